// Package yaml reads and writes orbit's versioned YAML documents. Every document starts with a
// schema header, writes replace the file atomically and keep the previous content as .bak, and
// an unreadable document can be quarantined and rebuilt.
package yaml

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeConfig      = "config"
	FileTypeConfigStore = "config_store"
	FileTypeUnit        = "service_unit"
)

var knownFileTypes = map[string]bool{
	FileTypeConfig:      true,
	FileTypeConfigStore: true,
	FileTypeUnit:        true,
}

// Header leads every document. Embed it with `yaml:",inline"`.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) Header {
	return Header{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

// Check reports whether h is a supported header of type want. An empty want accepts any known type.
func (h Header) Check(want string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return fmt.Errorf("missing file_type")
	case !knownFileTypes[h.FileType]:
		return fmt.Errorf("unknown file_type %q", h.FileType)
	case want != "" && h.FileType != want:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, want)
	}
	return nil
}

// Decode checks the header of content against fileType and unmarshals the document into out.
// A nil out checks the header only.
func Decode(content []byte, fileType string, out any) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := h.Check(fileType); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return fmt.Errorf("decode %s: %w", h.FileType, err)
	}
	return nil
}

// Read loads the document at path into out. A missing file keeps fs.ErrNotExist in the chain.
func Read(path, fileType string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := Decode(content, fileType, out); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// CheckFile validates the header of the document at path.
func CheckFile(path, fileType string) error {
	return Read(path, fileType, nil)
}

// Write marshals doc and replaces path with it. doc must carry a Header.
func Write(path string, doc any) error {
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteRaw(path, content)
}
