package statesnapshot

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

func sandboxCreateOpts(name string) sandboxprovider.CreateOptions {
	return sandboxprovider.CreateOptions{Name: name}
}

func buildTar(files map[string]string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		tw.WriteHeader(hdr)
		tw.Write([]byte(content))
	}
	tw.Close()
	return buf.Bytes()
}

func tarNames(t *testing.T, archive []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(archive))
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}
