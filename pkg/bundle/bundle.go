package bundle

import (
	"archive/tar"
	"bytes"
	"crypto/sha1"
	_ "embed"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultBaseName is the repository part of generated image names.
	DefaultBaseName = "hoosegow"

	// DockerfileName is the path of the Dockerfile inside the bundle.
	DockerfileName = "Dockerfile"
)

//go:embed Dockerfile.tmpl
var defaultDockerfile []byte

// DefaultVars are the Dockerfile variables used when none are configured.
var DefaultVars = map[string]string{
	"base_image":    "gcr.io/distroless/static-debian12",
	"inmate_binary": "hoosegow",
}

// AddRule copies the files matching Glob into the bundle, under Prefix.
// A matched directory is copied recursively under its own name.
type AddRule struct {
	Glob         string `yaml:"glob"`
	Prefix       string `yaml:"prefix"`
	IgnoreHidden bool   `yaml:"ignore_hidden"`
}

// Options configures a Bundle.
type Options struct {
	// BaseName is the repository part of the image reference.
	BaseName string
	// Dockerfile is a path to a Dockerfile replacing the bundled one.
	Dockerfile string
	// Vars replace {{key}} placeholders in the Dockerfile.
	Vars map[string]string
	// Compress gzips the archive.
	Compress bool
	Add      []AddRule
	Exclude  []string
}

// Bundle assembles the build context of a sandbox image.
type Bundle struct {
	opts Options

	mu      sync.Mutex
	archive *Archive
}

// Archive is a built bundle.
type Archive struct {
	// Reference is "<base>:<digest>".
	Reference string
	// Digest is the lowercase hex sha1 of the bundle contents.
	Digest string
	// Files lists bundle paths in archive order.
	Files      []string
	Compressed bool
	data       []byte
}

// Reader returns a reader over the archive bytes.
func (a *Archive) Reader() io.Reader {
	return bytes.NewReader(a.data)
}

// Size is the archive length in bytes.
func (a *Archive) Size() int {
	return len(a.data)
}

// New creates a bundle.
func New(opts Options) *Bundle {
	if opts.BaseName == "" {
		opts.BaseName = DefaultBaseName
	}
	return &Bundle{opts: opts}
}

// Add appends an add rule.
func (b *Bundle) Add(rule AddRule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.Add = append(b.opts.Add, rule)
	b.archive = nil
}

// Exclude drops a bundle path, or everything below it if it names a
// directory.
func (b *Bundle) Exclude(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.Exclude = append(b.opts.Exclude, p)
	b.archive = nil
}

// ImageName returns the content-addressed image reference.
func (b *Bundle) ImageName() (string, error) {
	a, err := b.Build()
	if err != nil {
		return "", err
	}
	return a.Reference, nil
}

// Build collects the files, renders the Dockerfile, computes the digest
// and writes the archive. The result is cached until the bundle changes.
func (b *Bundle) Build() (*Archive, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.archive != nil {
		return b.archive, nil
	}

	files, err := b.collect()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	data, err := writeArchive(files, paths, b.opts.Compress)
	if err != nil {
		return nil, err
	}

	sum := digest(files, paths)
	b.archive = &Archive{
		Reference:  b.opts.BaseName + ":" + sum,
		Digest:     sum,
		Files:      paths,
		Compressed: b.opts.Compress,
		data:       data,
	}
	return b.archive, nil
}

type file struct {
	content []byte
	mode    fs.FileMode
}

func (b *Bundle) collect() (map[string]file, error) {
	files := make(map[string]file)

	for _, rule := range b.opts.Add {
		matches, err := filepath.Glob(rule.Glob)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", rule.Glob, err)
		}
		sort.Strings(matches)
		for _, match := range matches {
			if rule.IgnoreHidden && strings.HasPrefix(filepath.Base(match), ".") {
				continue
			}
			dest := path.Join(filepath.ToSlash(rule.Prefix), filepath.Base(match))
			if err := addPath(files, match, dest); err != nil {
				return nil, err
			}
		}
	}

	for _, ex := range b.opts.Exclude {
		ex = cleanPath(ex)
		for p := range files {
			if p == ex || strings.HasPrefix(p, ex+"/") {
				delete(files, p)
			}
		}
	}

	dockerfile, err := b.dockerfile(files)
	if err != nil {
		return nil, err
	}
	files[DockerfileName] = file{content: dockerfile, mode: 0644}
	return files, nil
}

func addPath(files map[string]file, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return addFile(files, src, dest, info.Mode())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		return addFile(files, p, path.Join(dest, filepath.ToSlash(rel)), info.Mode())
	})
}

func addFile(files map[string]file, src, dest string, mode fs.FileMode) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	perm := fs.FileMode(0644)
	if mode&0111 != 0 {
		perm = 0755
	}
	files[cleanPath(dest)] = file{content: content, mode: perm}
	return nil
}

// dockerfile picks the configured Dockerfile, then one added at the
// bundle root, then the built-in one, and substitutes variables.
func (b *Bundle) dockerfile(files map[string]file) ([]byte, error) {
	var content []byte
	switch {
	case b.opts.Dockerfile != "":
		data, err := os.ReadFile(b.opts.Dockerfile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Dockerfile: %w", err)
		}
		content = data
	case files[DockerfileName].content != nil:
		content = files[DockerfileName].content
	default:
		content = defaultDockerfile
	}

	vars := make(map[string]string, len(DefaultVars)+len(b.opts.Vars))
	for k, v := range DefaultVars {
		vars[k] = v
	}
	for k, v := range b.opts.Vars {
		vars[k] = v
	}
	return Render(content, vars), nil
}

// Render replaces every {{key}} in content with vars[key]. Unknown keys
// are left as they are.
func Render(content []byte, vars map[string]string) []byte {
	out := string(content)
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return []byte(out)
}

// digest hashes the bundle in path order. Each file contributes its path
// and its length-prefixed content, so renaming or editing any file
// changes the digest.
func digest(files map[string]file, paths []string) string {
	h := sha1.New()
	var size [8]byte
	for _, p := range paths {
		f := files[p]
		io.WriteString(h, p)
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(size[:], uint64(len(f.content)))
		h.Write(size[:])
		h.Write(f.content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeArchive writes a reproducible tar: sorted entries, fixed
// timestamps and root ownership.
func writeArchive(files map[string]file, paths []string, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		w = gz
	}

	tw := tar.NewWriter(w)
	epoch := time.Unix(0, 0)
	dirs := make(map[string]bool)
	for _, p := range paths {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if dirs[dir] {
				break
			}
			dirs[dir] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)

	for _, d := range dirList {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d + "/",
			Mode:     0755,
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
	}
	for _, p := range paths {
		f := files[p]
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Mode:     int64(f.mode),
			Size:     int64(len(f.content)),
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tw.Write(f.content); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish gzip: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func cleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}
