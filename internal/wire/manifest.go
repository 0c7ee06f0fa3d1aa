package wire

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Manifest is the small text record the compile tool writes and the build
// step appends to; the host reads it at startup and compares it against the
// peer's design hash and shell version.
type Manifest struct {
	DesignHash        string // 64 lowercase hex characters
	ShellVersionHex   uint32
	TransformedSHA256 string
	BuildTimestamp    string
}

// EncodeManifest renders a Manifest in the "[section]\nkey = value" format.
func EncodeManifest(m *Manifest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[design]\n")
	fmt.Fprintf(&b, "hash = %s\n", m.DesignHash)
	fmt.Fprintf(&b, "\n[shell]\n")
	fmt.Fprintf(&b, "version_hex = 0x%08x\n", m.ShellVersionHex)
	fmt.Fprintf(&b, "\n[build]\n")
	fmt.Fprintf(&b, "transformed_sha256 = %s\n", m.TransformedSHA256)
	fmt.Fprintf(&b, "timestamp = %s\n", m.BuildTimestamp)
	return []byte(b.String())
}

// DecodeManifest parses the text format written by EncodeManifest (and, in
// practice, by the external compile tool).
func DecodeManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch section + "." + key {
		case "design.hash":
			m.DesignHash = val
		case "shell.version_hex":
			v, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 32)
			if err != nil {
				return nil, fmt.Errorf("manifest: bad shell.version_hex %q: %w", val, err)
			}
			m.ShellVersionHex = uint32(v)
		case "build.transformed_sha256":
			m.TransformedSHA256 = val
		case "build.timestamp":
			m.BuildTimestamp = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}
