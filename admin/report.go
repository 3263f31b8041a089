package admin

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/hrygo/txndispatch/dispatch"
)

// renderReport builds an operational summary of the registry, waiting-set
// depths, and recent incidents as Markdown, then renders it to HTML via
// goldmark.
func renderReport(snapshot dispatch.RegistrySnapshot, incidents []incident) (string, error) {
	var md strings.Builder

	md.WriteString("# Dispatch operational report\n\n")
	fmt.Fprintf(&md, "_generated %s_\n\n", time.Now().UTC().Format(time.RFC3339))

	md.WriteString("## Registered backends\n\n")
	if len(snapshot.Registered) == 0 {
		md.WriteString("_no backends currently registered_\n\n")
	} else {
		md.WriteString("| family | version |\n|---|---|\n")
		for _, k := range snapshot.Registered {
			fmt.Fprintf(&md, "| %s | %s |\n", k.Family, k.Version)
		}
		md.WriteString("\n")
	}

	md.WriteString("## Waiting set depths\n\n")
	if len(snapshot.WaitingDepths) == 0 {
		md.WriteString("_nothing parked_\n\n")
	} else {
		md.WriteString("| family | version | depth |\n|---|---|---|\n")
		for k, depth := range snapshot.WaitingDepths {
			fmt.Fprintf(&md, "| %s | %s | %d |\n", k.Family, k.Version, depth)
		}
		md.WriteString("\n")
	}

	md.WriteString("## Recent incidents\n\n")
	if len(incidents) == 0 {
		md.WriteString("_none recorded_\n\n")
	} else {
		md.WriteString("| observed at | context | error |\n|---|---|---|\n")
		for _, inc := range incidents {
			fmt.Fprintf(&md, "| %s | %s | %s |\n",
				inc.ObservedAt.UTC().Format(time.RFC3339), inc.ContextID, inc.ErrorMessage)
		}
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		return "", err
	}
	return html.String(), nil
}
