package connection

import (
	"fmt"
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"rsc.io/qr"
)

const (
	qrQuietZone = 4
	qrSVGSize   = 320
)

// renderPairingSVG produces a self-contained SVG for the pairing data, with a
// white quiet zone around black modules. Horizontal runs of dark modules are
// merged into one rect each to keep the markup small.
func renderPairingSVG(data string, size int) (string, error) {
	code, err := qr.Encode(data, qr.L)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}

	n := code.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}
	total := n + 2*qrQuietZone

	var sb strings.Builder
	fmt.Fprintf(&sb,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d" shape-rendering="crispEdges">`,
		total, total, size, size,
	)
	fmt.Fprintf(&sb, `<rect width="%d" height="%d" fill="#fff"/>`, total, total)

	for y := 0; y < n; y++ {
		for x := 0; x < n; {
			if !code.Black(x, y) {
				x++
				continue
			}
			start := x
			for x < n && code.Black(x, y) {
				x++
			}
			fmt.Fprintf(&sb, `<rect x="%d" y="%d" width="%d" height="1" fill="#000"/>`,
				start+qrQuietZone, y+qrQuietZone, x-start)
		}
	}

	sb.WriteString(`</svg>`)
	return sb.String(), nil
}

// printPairingQR draws the code on a terminal.
func printPairingQR(w io.Writer, data string) {
	fmt.Fprintln(w, "\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
	qrterminal.GenerateHalfBlock(data, qrterminal.L, w)
	fmt.Fprintln(w, "--- Waiting for scan... ---")
}
