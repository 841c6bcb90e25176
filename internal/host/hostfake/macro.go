package hostfake

import (
	"os"
	"sort"
	"strings"
	"time"
)

// DimensionMacro emulates the dimension-listing macro: it reads the document
// path from targetFile and writes that document's dimension names, one per
// line, to outputFile after delay. A zero delay writes synchronously.
func DimensionMacro(targetFile, outputFile string, delay time.Duration) MacroFunc {
	return func(app *App, _, _, _ string) (bool, error) {
		data, err := os.ReadFile(targetFile)
		if err != nil {
			return false, nil
		}
		doc, ok := app.Docs[strings.TrimSpace(string(data))]
		if !ok {
			return false, nil
		}

		names := make([]string, 0, len(doc.Params))
		for name := range doc.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		body := []byte(strings.Join(names, "\n") + "\n")

		if delay <= 0 {
			return true, os.WriteFile(outputFile, body, 0o644)
		}
		go func() {
			time.Sleep(delay)
			_ = os.WriteFile(outputFile, body, 0o644)
		}()
		return true, nil
	}
}

// RawMacro writes body to outputFile verbatim and reports success.
func RawMacro(outputFile, body string) MacroFunc {
	return func(_ *App, _, _, _ string) (bool, error) {
		return true, os.WriteFile(outputFile, []byte(body), 0o644)
	}
}
