package main

import (
	"net"
	"strings"

	"github.com/skip2/go-qrcode"
)

// terminalQR renders content as a QR code with half-block characters, two
// modules per text row.
func terminalQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}
	bits := q.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bits); y += 2 {
		for x := range bits[y] {
			top := bits[y][x]
			bottom := y+1 < len(bits) && bits[y+1][x]
			switch {
			case top && bottom:
				sb.WriteRune(' ')
			case top:
				sb.WriteRune('▄')
			case bottom:
				sb.WriteRune('▀')
			default:
				sb.WriteRune('█')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// displayHost turns a wildcard listen address into something a phone on the
// same network can reach.
func displayHost(host string) string {
	if host != "" && host != "0.0.0.0" && host != "::" {
		return host
	}
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
