//go:build windows

package solidworks

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"partbatch/internal/host"
)

type application struct {
	once sync.Once
	disp *ole.IDispatch
}

type document struct {
	once sync.Once
	disp *ole.IDispatch
}

func connect(progID string) (host.Application, error) {
	runtime.LockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 { // S_FALSE: already initialized
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("%w: CoInitializeEx: %v", host.ErrConnectionFailed, err)
		}
	}

	unknown, err := oleutil.CreateObject(progID)
	if err != nil {
		uninit()
		return nil, fmt.Errorf("%w: create %s: %v", host.ErrConnectionFailed, progID, err)
	}
	disp, err := unknown.QueryInterface(ole.IID_IDispatch)
	unknown.Release()
	if err != nil {
		uninit()
		return nil, fmt.Errorf("%w: query %s: %v", host.ErrConnectionFailed, progID, err)
	}
	return &application{disp: disp}, nil
}

func uninit() {
	ole.CoUninitialize()
	runtime.UnlockOSThread()
}

func put(disp *ole.IDispatch, name string, v any) error {
	res, err := oleutil.PutProperty(disp, name, v)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	res.Clear()
	return nil
}

func call(disp *ole.IDispatch, name string, args ...any) (*ole.VARIANT, error) {
	res, err := oleutil.CallMethod(disp, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

func callBool(disp *ole.IDispatch, name string, args ...any) (bool, error) {
	res, err := call(disp, name, args...)
	if err != nil {
		return false, err
	}
	defer res.Clear()
	ok, _ := res.Value().(bool)
	return ok, nil
}

func callString(disp *ole.IDispatch, name string) (string, error) {
	res, err := call(disp, name)
	if err != nil {
		return "", err
	}
	defer res.Clear()
	return res.ToString(), nil
}

func variantInt(v *ole.VARIANT) int {
	switch n := v.Value().(type) {
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}

func (a *application) SetUserControl(on bool) error { return put(a.disp, "UserControl", on) }

func (a *application) SetVisible(on bool) error { return put(a.disp, "Visible", on) }

func (a *application) Minimize() error { return put(a.disp, "FrameState", frameMinimized) }

func (a *application) OpenDoc(path string) (host.Document, error) {
	res, err := call(a.disp, "OpenDoc", path, docTypePart)
	if err != nil {
		return nil, err
	}
	disp := res.ToIDispatch()
	if disp == nil {
		res.Clear()
		return nil, nil
	}
	return &document{disp: disp}, nil
}

func (a *application) CloseDoc(title string) error {
	res, err := call(a.disp, "CloseDoc", title)
	if err != nil {
		return err
	}
	res.Clear()
	return nil
}

func (a *application) RunMacro(macroPath, module, procedure string) (bool, error) {
	return callBool(a.disp, "RunMacro", macroPath, module, procedure)
}

func (a *application) Release() {
	a.once.Do(func() {
		a.disp.Release()
		uninit()
	})
}

func (d *document) PathName() (string, error) { return callString(d.disp, "GetPathName") }

func (d *document) Title() (string, error) { return callString(d.disp, "GetTitle") }

func (d *document) SetParameter(name string, systemValue float64) error {
	res, err := call(d.disp, "Parameter", name)
	if err != nil {
		return err
	}
	param := res.ToIDispatch()
	if param == nil {
		res.Clear()
		return fmt.Errorf("%w: %s", host.ErrUnknownDimension, name)
	}
	defer param.Release()
	return put(param, "SystemValue", systemValue)
}

func (d *document) ForceRebuild(topOnly bool) (bool, error) {
	return callBool(d.disp, "ForceRebuild3", topOnly)
}

func (d *document) SaveAs(path string, version, options int) (int, error) {
	res, err := call(d.disp, "SaveAs3", path, int32(version), int32(options))
	if err != nil {
		return 0, err
	}
	defer res.Clear()
	return variantInt(res), nil
}

func (d *document) Release() {
	d.once.Do(func() { d.disp.Release() })
}
