package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"chainrunner/internal/progress"
)

// printer writes either one JSON document per line or human text.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json() bool { return p.format == "json" }

func (p printer) emit(v any, text string) error {
	if p.json() {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(p.w, text)
	return err
}

func describeSnapshot(s progress.Snapshot) string {
	if !s.IsExecuting {
		if s.Completed {
			if s.Success != nil && *s.Success {
				return "chain completed"
			}
			if s.Error != "" {
				return "chain stopped: " + s.Error
			}
			return "chain stopped"
		}
		return "idle"
	}
	var b strings.Builder
	name := ""
	if s.ChainName != nil {
		name = *s.ChainName
	}
	fmt.Fprintf(&b, "%s:", name)
	for _, st := range s.Steps {
		fmt.Fprintf(&b, " [%d %s %s]", st.Index+1, st.Name, st.Status)
	}
	return b.String()
}
