package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
==============================================
           _ _ _
  ___ __ _| | | |_ __ _ _ __
 / __/ _` + "`" + ` | | | __/ _` + "`" + ` | '_ \
| (_| (_| | | | || (_| | |_) |
 \___\__,_|_|_|\__\__,_| .__/
                       |_|
----------------------------------------------`

const footer = `==============================================`

// Line is one "label : value" row under the logo.
type Line struct {
	Label string
	Value string
}

// Write prints the startup banner for a service to w, labels aligned.
func Write(w io.Writer, service string, lines []Line) {
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, service)

	width := 0
	for _, l := range lines {
		width = max(width, len(l.Label))
	}
	for _, l := range lines {
		fmt.Fprintf(w, "  %s%s : %s\n", l.Label, strings.Repeat(" ", width-len(l.Label)), l.Value)
	}

	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
