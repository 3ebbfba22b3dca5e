// Package pack implements the packer (C17): the inverse of C2's
// extractor. It walks a staged source tree with godirwalk, derives
// files.txt, and streams the tree plus deps.txt/man.txt/provides.txt/
// hooks/ into a tar+zstd archive shaped exactly like what archext.Extract
// consumes, sharing pathsafe's pathname rules so a packed archive always
// round-trips through extract.
//
// Grounded on golang-dep's vendored github.com/karrick/godirwalk
// (Walk+Options.Callback, walked here over a content tree instead of a
// vendor tree) and archext.go's writer-side counterpart for the tar/zstd
// framing.
package pack

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/logx"
	"github.com/lfs-tools/lpkg/internal/pathsafe"
	"github.com/lfs-tools/lpkg/internal/store"
)

// Manifest describes the metadata that accompanies a packed content
// tree: the destination prefix every srcTree-relative path installs
// under (files.txt's DEST_PREFIX column), its dependency list, man page
// text, optional provided capabilities, and an optional local directory
// of hook scripts to carry into hooks/.
type Manifest struct {
	DestPrefix string
	Deps       []store.Dep
	ManText    string
	Provides   []string
	HooksDir   string
}

// Build walks srcTree and writes destArchive. Every regular file and
// symlink under srcTree becomes a content/ entry plus a files.txt line;
// every directory (including empty ones) becomes a content/ entry so
// extraction recreates it even with nothing inside.
func Build(srcTree string, manifest Manifest, destArchive string, log *logx.Logger) error {
	info, err := os.Stat(srcTree)
	if err != nil {
		return errors.Wrapf(err, "stat %s", srcTree)
	}
	if !info.IsDir() {
		return errors.Errorf("pack: %s is not a directory", srcTree)
	}

	f, err := os.Create(destArchive)
	if err != nil {
		return errors.Wrapf(err, "creating %s", destArchive)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return errors.Wrap(err, "opening zstd writer")
	}
	tw := tar.NewWriter(zw)

	if err := writeDirHeader(tw, "content/"); err != nil {
		return err
	}

	var fileLines []string
	walkErr := godirwalk.Walk(srcTree, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == srcTree {
				return nil
			}
			rel, err := filepath.Rel(srcTree, osPathname)
			if err != nil {
				return errors.Wrapf(err, "relativizing %s", osPathname)
			}
			rel = filepath.ToSlash(rel)
			if _, verr := pathsafe.Validate(rel, srcTree); verr != nil {
				return errors.Wrapf(verr, "packing %s", osPathname)
			}

			name := "content/" + rel

			if de.IsDir() {
				return writeDirHeader(tw, name+"/")
			}

			fi, err := os.Lstat(osPathname)
			if err != nil {
				return errors.Wrapf(err, "lstat %s", osPathname)
			}

			if fi.Mode()&os.ModeSymlink != 0 {
				target, err := os.Readlink(osPathname)
				if err != nil {
					return errors.Wrapf(err, "readlink %s", osPathname)
				}
				if err := writeSymlinkHeader(tw, name, target); err != nil {
					return err
				}
			} else {
				if err := writeFileEntry(tw, name, osPathname, fi); err != nil {
					return err
				}
			}

			fileLines = append(fileLines, rel+"\t"+manifest.DestPrefix)
			return nil
		},
	})
	if walkErr != nil {
		return errors.Wrapf(walkErr, "walking %s", srcTree)
	}

	sort.Strings(fileLines)
	if err := writeTextEntry(tw, "files.txt", joinLines(fileLines)); err != nil {
		return err
	}
	if err := writeTextEntry(tw, "deps.txt", depsText(manifest.Deps)); err != nil {
		return err
	}
	if err := writeTextEntry(tw, "man.txt", manifest.ManText); err != nil {
		return err
	}
	if len(manifest.Provides) > 0 {
		if err := writeTextEntry(tw, "provides.txt", joinLines(manifest.Provides)); err != nil {
			return err
		}
	}
	if manifest.HooksDir != "" {
		if err := packHooks(tw, manifest.HooksDir); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar stream")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "closing zstd stream")
	}
	if log != nil {
		log.Infof("packed %s: %d files", destArchive, len(fileLines))
	}
	return nil
}

func packHooks(tw *tar.Writer, hooksDir string) error {
	entries, err := os.ReadDir(hooksDir)
	if err != nil {
		return errors.Wrapf(err, "reading hooks dir %s", hooksDir)
	}
	if err := writeDirHeader(tw, "hooks/"); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(hooksDir, e.Name())
		fi, err := os.Stat(src)
		if err != nil {
			return errors.Wrapf(err, "stat hook %s", src)
		}
		if err := writeFileEntry(tw, "hooks/"+e.Name(), src, fi); err != nil {
			return err
		}
	}
	return nil
}

func writeDirHeader(tw *tar.Writer, name string) error {
	return tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0755})
}

func writeSymlinkHeader(tw *tar.Writer, name, target string) error {
	return tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: target, Mode: 0777})
}

func writeFileEntry(tw *tar.Writer, name, path string, fi os.FileInfo) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     int64(fi.Mode().Perm()),
		Size:     fi.Size(),
		ModTime:  fi.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing header for %s", name)
	}
	in, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer in.Close()
	if _, err := io.Copy(tw, in); err != nil {
		return errors.Wrapf(err, "copying %s into archive", path)
	}
	return nil
}

func writeTextEntry(tw *tar.Writer, name, body string) error {
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "writing header for %s", name)
	}
	_, err := io.WriteString(tw, body)
	return errors.Wrapf(err, "writing %s", name)
}

func depsText(deps []store.Dep) string {
	lines := make([]string, 0, len(deps))
	for _, d := range deps {
		if d.Op != "" {
			lines = append(lines, d.Name+" "+string(d.Op)+" "+d.Req)
		} else {
			lines = append(lines, d.Name)
		}
	}
	return joinLines(lines)
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
