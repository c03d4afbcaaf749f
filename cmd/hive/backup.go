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

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
)

// Archive layout: the database snapshot under db/ and worker workspaces
// under workspaces/.
const (
	sectionDB         = "db"
	sectionWorkspaces = "workspaces"
	dbEntryName       = sectionDB + "/hive.db"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hive backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "hive-backup-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, "hive.db")
	if err := db.Snapshot(snapshot); err != nil {
		return err
	}

	files, err := writeArchive(outputPath, snapshot, cfg.Defaults.WorkspaceDir)
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// writeArchive writes the database snapshot and the workspace tree into a
// zstd-compressed tar and returns the number of regular files written.
func writeArchive(outputPath, snapshot, workspaceDir string) (int, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	if err := addFile(tw, dbEntryName, snapshot); err != nil {
		return 0, fmt.Errorf("add database: %w", err)
	}
	files := 1

	if workspaceDir != "" {
		n, err := addTree(tw, sectionWorkspaces, workspaceDir)
		if err != nil {
			return 0, fmt.Errorf("add workspaces: %w", err)
		}
		files += n
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return files, nil
}

func addFile(tw *tar.Writer, name, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(tw, in)
	return err
}

// addTree archives dir under prefix. A missing dir is skipped.
func addTree(tw *tar.Writer, prefix, dir string) (int, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("workspace directory not found, skipping", "path", dir)
		return 0, nil
	}

	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		case d.Type().IsRegular():
			files++
			return addFile(tw, name, p)
		default:
			// Symlinks and devices are not part of a workspace backup.
			return nil
		}
	})
	return files, err
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
		fmt.Fprintf(os.Stderr, "Usage: hive restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	files, err := extractArchive(inputPath, cfg.Store.Path, cfg.Defaults.WorkspaceDir, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

// extractArchive restores the database to dbPath and the workspaces under
// workspaceDir. Without overwrite an existing database aborts the restore
// before anything is written.
func extractArchive(inputPath, dbPath, workspaceDir string, overwrite bool) (int, error) {
	sections, err := scanArchive(inputPath)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		return 0, fmt.Errorf("archive contains no hive data")
	}
	if !overwrite {
		if _, err := os.Stat(dbPath); err == nil {
			return 0, fmt.Errorf("database %s already exists, add -overwrite to replace it", dbPath)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitArchivePath(hdr.Name)
		var dest string
		switch {
		case hdr.Name == dbEntryName:
			dest = dbPath
		case section == sectionWorkspaces && workspaceDir != "":
			dest = filepath.Join(workspaceDir, filepath.FromSlash(rel))
		default:
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(dest, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
			files++
		}
	}
	slog.Info("archive restored", "database", dbPath, "workspaces", workspaceDir)
	return files, nil
}

func writeEntry(dest string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scanArchive reads tar headers and returns the sections present, in order
// of first appearance.
func scanArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := make(map[string]bool)
	var sections []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		section, _ := splitArchivePath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			sections = append(sections, section)
		}
	}
	return sections, nil
}

// splitArchivePath splits "workspaces/tester/notes.md" into ("workspaces",
// "tester/notes.md"). Unknown sections and paths escaping the section
// return empty strings.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	section, rel, _ = strings.Cut(name, "/")
	if section != sectionDB && section != sectionWorkspaces {
		return "", ""
	}

	trailing := strings.HasSuffix(rel, "/")
	rel = path.Clean("/" + rel)[1:]
	if rel == "" {
		return section, ""
	}
	if strings.Contains(name, "..") && !strings.HasPrefix(path.Clean(name), section+"/") {
		return "", ""
	}
	if trailing {
		rel += "/"
	}
	return section, rel
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
