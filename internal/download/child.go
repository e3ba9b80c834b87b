package download

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/roelfdiedericks/idlenpu/internal/hub"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
)

// Hub is the slice of the hub client the fetch child depends on.
type Hub interface {
	Manifest(repoID, revision string) ([]hub.FileInfo, error)
	Snapshot(repoID, revision, cacheDir string, sink hub.Sink) (string, error)
}

// Run performs one model snapshot download end to end: plan totals, stream
// files into the cache, then install the snapshot under the models root.
// Event frames are written to out; the terminal frame is always done, after
// either finished{path} or error{message}. It is the body of the hidden
// fetch subcommand.
func Run(client Hub, repoID, cacheDir, modelsRoot string, out *ipc.Writer) error {
	send := func(ev ipc.DownloadEvent) {
		// The host owns the other end of the pipe; if it is gone there
		// is nobody left to report to.
		_ = out.Send(ev)
	}
	fail := func(err error) error {
		send(ipc.DownloadEvent{Type: "error", Message: err.Error()})
		send(ipc.DownloadEvent{Type: "done"})
		return err
	}

	send(ipc.DownloadEvent{Type: "log", Message: "Fetching " + repoID})

	agg := NewProgressAggregator(func(file string, percent int) {
		send(ipc.DownloadEvent{Type: "progress", File: file, Percent: percent})
	})
	planTotals(client, repoID, cacheDir, agg)

	snapDir, err := client.Snapshot(repoID, hub.DefaultRevision, cacheDir, agg)
	if err != nil {
		return fail(err)
	}

	send(ipc.DownloadEvent{Type: "log", Message: "Download complete, installing"})
	name := filepath.Base(snapDir)
	final := filepath.Join(modelsRoot, name)
	if _, err := os.Stat(final); err == nil {
		send(ipc.DownloadEvent{Type: "log", Message: "Overwriting " + name})
		if err := os.RemoveAll(final); err != nil {
			return fail(fmt.Errorf("remove %s: %w", name, err))
		}
	}
	if err := moveDir(snapDir, final); err != nil {
		return fail(fmt.Errorf("install %s: %w", name, err))
	}

	send(ipc.DownloadEvent{Type: "finished", Path: final})
	send(ipc.DownloadEvent{Type: "done"})
	return nil
}

// planTotals sums the bytes and files still to download so progress can be
// reported against the whole job. A manifest failure is not fatal; the
// aggregator then falls back to per-file percentages.
func planTotals(client Hub, repoID, cacheDir string, agg *ProgressAggregator) {
	files, err := client.Manifest(repoID, hub.DefaultRevision)
	if err != nil {
		return
	}
	dir := filepath.Join(cacheDir, hub.RepoDirName(repoID))
	var totalBytes int64
	totalFiles := 0
	for _, f := range files {
		dest := filepath.Join(dir, filepath.FromSlash(f.Path))
		if fi, serr := os.Stat(dest); serr == nil && fi.Size() == f.Size {
			continue
		}
		totalBytes += f.Size
		totalFiles++
	}
	agg.SetTotals(totalBytes, totalFiles)
}

// moveDir renames src to dst, falling back to a recursive copy when the
// rename crosses filesystems.
func moveDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
