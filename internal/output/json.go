package output

import (
	"encoding/json"

	"github.com/rpclens/rpclens/internal/core"
)

// JSONFormatter renders stats as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatStats renders a stats snapshot as JSON.
func (f *JSONFormatter) FormatStats(stats *core.Stats) (string, error) {
	if stats == nil {
		return "", nil
	}

	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(stats, "", "  ")
	} else {
		data, err = json.Marshal(stats)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
