package script

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-lcfs/pkg/app"
	"github.com/deploymenttheory/go-lcfs/pkg/services"
)

// FormatOutput formats script results according to output format
func FormatOutput(w io.Writer, response *Response, format string) error {
	if err := app.Write(w, format, response); err != nil {
		return err
	}
	if format != app.FormatTable {
		return nil
	}

	// Layers left behind by the script
	if len(response.Layers) > 0 {
		fmt.Fprintln(w)
		if err := app.Write(w, app.FormatTable, layerTable(response.Layers)); err != nil {
			return err
		}
	}

	// Summary
	fmt.Fprintf(w, "\n%s\n", FormatSummary(response))
	return nil
}

type layerTable []services.LayerInfo

func (t layerTable) Header() []string {
	return []string{"LAYER", "INDEX", "ROOT"}
}

func (t layerTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, l := range t {
		rows = append(rows, []string{l.Name, fmt.Sprint(l.Index), fmt.Sprintf("%#x", l.Handle)})
	}
	return rows
}
