// Package statesnapshot saves and restores a sandbox's persistent
// state directories (spec.md §4.5's workspace/data/output/state
// allowlist, manifest.StateAllowDirs) as a single tar archive,
// grounded on the "ensure, else create, then record" shape of
// internal/storage/workspacedrive.go's EnsurePVC/EnsureVolume — here
// applied to a tar blob instead of a cloud volume: check whether a
// prior snapshot exists, restore it if so, otherwise start clean and
// snapshot on shutdown.
//
// Neither Create nor Restore trusts the tar stream's own path
// encoding: every entry is re-validated host-side with archive/tar
// against manifest.StateAllowDirs before it is allowed to reach a
// sandbox's extractor, closing the classic zip-slip escape
// ("../../etc/passwd", absolute paths, symlinks pointing outside the
// allowed tree).
package statesnapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

// DefaultMaxSnapshotBytes bounds both the tar produced by Create and
// the tar accepted by Restore. Not present in the original
// implementation — added as a safety measure against a compromised or
// misbehaving sandbox writing unbounded state (spec.md §9 Open
// Question: the original had no size cap at all).
const DefaultMaxSnapshotBytes = 256 * 1024 * 1024

// Create runs `tar` inside the sandbox over allowDirs (relative to the
// sandbox filesystem root) and returns a sanitized archive. Missing
// directories are silently skipped (a fresh sandbox may not have
// created all of them yet).
func Create(ctx context.Context, sbx sandboxprovider.Sandbox, allowDirs []string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSnapshotBytes
	}

	cmd := "tar -cf - --ignore-failed-read -C / " + strings.Join(allowDirs, " ") + " 2>/dev/null"
	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{Command: cmd})
	if err != nil {
		return nil, fmt.Errorf("statesnapshot: run tar: %w", err)
	}

	var buf bytes.Buffer
	var tooBig bool
	err = proc.Wait(ctx, func(chunk []byte) {
		if tooBig {
			return
		}
		if int64(buf.Len()+len(chunk)) > maxBytes {
			tooBig = true
			return
		}
		buf.Write(chunk)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("statesnapshot: tar: %w", err)
	}
	if tooBig {
		return nil, fmt.Errorf("statesnapshot: snapshot exceeds %d byte cap", maxBytes)
	}

	return sanitize(buf.Bytes(), allowDirs, maxBytes)
}

// Restore validates archive against allowDirs and the size cap, then
// streams it into the sandbox's `tar -x`.
func Restore(ctx context.Context, sbx sandboxprovider.Sandbox, archive []byte, allowDirs []string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSnapshotBytes
	}
	if int64(len(archive)) > maxBytes {
		return fmt.Errorf("statesnapshot: archive exceeds %d byte cap", maxBytes)
	}

	clean, err := sanitize(archive, allowDirs, maxBytes)
	if err != nil {
		return err
	}

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{
		Command: "tar -xf - -C / 2>&1",
		Stdin:   true,
	})
	if err != nil {
		return fmt.Errorf("statesnapshot: run tar -x: %w", err)
	}

	const chunkSize = 256 * 1024
	for off := 0; off < len(clean); off += chunkSize {
		end := off + chunkSize
		if end > len(clean) {
			end = len(clean)
		}
		if err := sbx.SendStdin(ctx, proc.PID(), clean[off:end]); err != nil {
			return fmt.Errorf("statesnapshot: write tar stdin: %w", err)
		}
	}
	if err := sbx.CloseStdin(ctx, proc.PID()); err != nil {
		return fmt.Errorf("statesnapshot: close tar stdin: %w", err)
	}

	var out bytes.Buffer
	if err := proc.Wait(ctx, func(b []byte) { out.Write(b) }, nil); err != nil {
		return fmt.Errorf("statesnapshot: tar -x: %w", err)
	}
	if proc.ExitCode() != 0 {
		return fmt.Errorf("statesnapshot: tar -x exited %d: %s", proc.ExitCode(), out.String())
	}
	return nil
}

// sanitize re-reads a tar stream and rebuilds it containing only
// entries whose path, cleaned as if rooted at "/" (so a leading "/"
// and any ".." components are resolved first), falls under one of
// allowDirs; kept entries are rewritten to that cleaned relative name.
// Entries that resolve outside allowDirs, and every symlink or
// hardlink member regardless of target, are dropped rather than causing the
// whole restore to fail — a single poisoned entry should not block an
// otherwise-valid snapshot.
func sanitize(archive []byte, allowDirs []string, maxBytes int64) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(archive))

	var out bytes.Buffer
	tw := tar.NewWriter(&out)

	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("statesnapshot: corrupt archive: %w", err)
		}

		name := path.Clean("/" + hdr.Name)
		if !withinAllowDirs(name, allowDirs) {
			continue
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			continue
		}

		total += hdr.Size
		if total > maxBytes {
			return nil, fmt.Errorf("statesnapshot: archive exceeds %d byte cap while sanitizing", maxBytes)
		}

		hdr.Name = strings.TrimPrefix(name, "/")
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("statesnapshot: rewrite header: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return nil, fmt.Errorf("statesnapshot: copy entry %q: %w", hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("statesnapshot: finalize archive: %w", err)
	}
	return out.Bytes(), nil
}

func withinAllowDirs(cleanedAbsPath string, allowDirs []string) bool {
	for _, d := range allowDirs {
		base := "/" + strings.TrimPrefix(path.Clean(d), "/")
		if cleanedAbsPath == base || strings.HasPrefix(cleanedAbsPath, base+"/") {
			return true
		}
	}
	return false
}
