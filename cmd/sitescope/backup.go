package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/store"
)

const (
	archivePrefix = "sitescope-"
	archiveDB     = archivePrefix + "db"
	archiveNATS   = archivePrefix + "nats"
)

// archiveRoots maps each archive root to the directory it is read from and
// restored into.
func archiveRoots(cfg *config.Config) map[string]string {
	return map[string]string{
		archiveDB:   filepath.Dir(cfg.Store.Path),
		archiveNATS: cfg.NATS.DataDir,
	}
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sitescope backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Fold the WAL into the database file so a plain copy is consistent.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := db.Checkpoint(); err != nil {
		slog.Warn("wal checkpoint failed, backup may miss recent writes", "error", err)
	}
	db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	n, err := addFile(tw, archiveDB, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("backup store: %w", err)
	}
	files += n
	n, err = addDir(tw, archiveNATS, cfg.NATS.DataDir)
	if err != nil {
		return fmt.Errorf("backup nats data: %w", err)
	}
	files += n

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, _ := os.Stat(outputPath); info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// addFile writes one file under root. A missing file is skipped.
func addFile(tw *tar.Writer, root, src string) (int, error) {
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("skipping missing file", "path", src)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := writeEntry(tw, path.Join(root, filepath.Base(src)), src, info); err != nil {
		return 0, err
	}
	return 1, nil
}

// addDir writes the tree at src under root. A missing directory is skipped.
func addDir(tw *tar.Writer, root, src string) (int, error) {
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("skipping missing directory", "path", src)
		return 0, nil
	}
	count := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		name := path.Join(root, filepath.ToSlash(rel))
		if err := writeEntry(tw, name, p, info); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			count++
		}
		return nil
	})
	return count, err
}

func writeEntry(tw *tar.Writer, name, src string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header for %s: %w", src, err)
	}
	hdr.Name = name
	if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sitescope restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	roots, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(roots) == 0 {
		fmt.Println("Archive contains no sitescope data.")
		return nil
	}

	targets := archiveRoots(cfg)
	if !overwrite {
		existing, err := existingFiles(inputPath, targets)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%s already exists, add -overwrite to replace files", existing[0])
		}
	} else {
		// Stale WAL files would be replayed over the restored database.
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(cfg.Store.Path + suffix)
		}
	}

	files, err := extractArchive(inputPath, targets)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files into %d locations\n", files, len(roots))
	return nil
}

// walkArchive calls fn for every entry of a zstd-compressed tar.
func walkArchive(archive string, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// scanArchive reads tar headers to collect the known roots present in the
// archive without extracting file data.
func scanArchive(archive string) ([]string, error) {
	seen := make(map[string]bool)
	var roots []string
	err := walkArchive(archive, func(hdr *tar.Header, _ io.Reader) error {
		root, _ := splitArchivePath(hdr.Name)
		if root != "" && !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roots, nil
}

// resolveEntry maps an archive entry onto the filesystem. ok is false for
// entries outside the known roots or escaping their target directory.
func resolveEntry(name string, targets map[string]string) (dst string, ok bool) {
	root, rel := splitArchivePath(name)
	dir, known := targets[root]
	if !known || dir == "" {
		return "", false
	}
	rel = strings.TrimSuffix(rel, "/")
	if rel == "." {
		return dir, true
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", false
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), true
}

func existingFiles(archive string, targets map[string]string) ([]string, error) {
	var existing []string
	err := walkArchive(archive, func(hdr *tar.Header, _ io.Reader) error {
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		dst, ok := resolveEntry(hdr.Name, targets)
		if !ok {
			return nil
		}
		if _, err := os.Stat(dst); err == nil {
			existing = append(existing, dst)
		}
		return nil
	})
	return existing, err
}

func extractArchive(archive string, targets map[string]string) (int, error) {
	files := 0
	err := walkArchive(archive, func(hdr *tar.Header, r io.Reader) error {
		dst, ok := resolveEntry(hdr.Name, targets)
		if !ok {
			slog.Warn("skipping archive entry", "name", hdr.Name)
			return nil
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(dst, 0o755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("create %s: %w", dst, err)
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", dst, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			files++
			slog.Info("restored file", "path", dst)
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("extract archive: %w", err)
	}
	return files, nil
}

// splitArchivePath splits "sitescope-db/sitescope.db" into
// ("sitescope-db", "sitescope.db"). Returns empty root for invalid paths.
func splitArchivePath(name string) (root, relPath string) {
	// Clean leading slashes/dots
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if strings.HasPrefix(name, archivePrefix) {
			return name, "./"
		}
		return "", ""
	}

	root = name[:idx]
	relPath = name[idx+1:]
	if relPath == "" {
		relPath = "./"
	}

	if !strings.HasPrefix(root, archivePrefix) {
		return "", ""
	}
	return root, relPath
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
