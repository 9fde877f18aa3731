package domainrules

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/haioco/antisanction/pkg/common"
)

// maxListSizeBytes bounds local and downloaded domain lists.
const maxListSizeBytes = 1 << 20

// ErrNotFound is returned when none of the candidate locations holds a
// domain list.
var ErrNotFound = errors.New("domain list not found")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DefaultCandidates returns the locations searched for the domain list, in
// order: the working directory, the executable directory, the directory of
// the configuration file and its parent.
func DefaultCandidates(configPath string) []string {
	var out []string
	add := func(dir string) {
		if dir == "" {
			return
		}
		p := filepath.Join(dir, common.DomainsFileName)
		for _, existing := range out {
			if existing == p {
				return
			}
		}
		out = append(out, p)
	}
	if wd, err := os.Getwd(); err == nil {
		add(wd)
	}
	add(common.ExecutableDir())
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			dir := filepath.Dir(abs)
			add(dir)
			add(filepath.Dir(dir))
		}
	}
	return out
}

// FindFile returns the first candidate that exists and is a regular file.
func FindFile(candidates []string) (string, error) {
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			return c, nil
		}
		slog.Debug("Domain list candidate is not a regular file", "path", c)
	}
	return "", fmt.Errorf("%w (searched %s)", ErrNotFound, strings.Join(candidates, ", "))
}

// LoadFile reads and parses a domain list. charsetName may be empty, in which
// case the encoding is detected from the content.
func LoadFile(path, charsetName string, l Loader) (RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain list %s: %w", path, err)
	}
	defer f.Close()

	rules, err := ReadRules(f, charsetName, l)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain list %s: %w", path, err)
	}
	slog.Debug("Loaded domain list", "path", path, "rules", len(rules))
	return rules, nil
}

// ReadRules decodes r to UTF-8 and parses it line by line.
func ReadRules(r io.Reader, charsetName string, l Loader) (RuleSet, error) {
	content, err := io.ReadAll(io.LimitReader(r, maxListSizeBytes+1))
	if err != nil {
		return nil, err
	}
	if len(content) > maxListSizeBytes {
		return nil, fmt.Errorf("domain list exceeds maximum size limit (%d bytes)", maxListSizeBytes)
	}

	decoded, err := decode(content, charsetName, "")
	if err != nil {
		return nil, err
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(decoded))
	sc.Buffer(make([]byte, 0, 64*1024), maxListSizeBytes)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l.Load(lines), nil
}

// decode converts content to UTF-8. An explicit charset wins, then the
// content type and byte order marks, then a UTF-8 validity check.
func decode(content []byte, charsetName, contentType string) ([]byte, error) {
	content = bytes.TrimPrefix(content, utf8BOM)

	name := strings.ToLower(strings.TrimSpace(charsetName))
	if name == "" {
		if utf8.Valid(content) && !strings.Contains(strings.ToLower(contentType), "charset=") {
			return content, nil
		}
		_, detected, _ := charset.DetermineEncoding(content, contentType)
		name = detected
	}
	if name == "utf-8" || name == "utf8" {
		return content, nil
	}

	enc, canonical := charset.Lookup(name)
	if enc == nil {
		slog.Warn("Unsupported domain list charset, assuming UTF-8", "charset", name)
		return content, nil
	}
	slog.Debug("Decoding domain list", "charset", canonical)
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(content), enc.NewDecoder()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode domain list (charset: %s): %w", canonical, err)
	}
	return out, nil
}
