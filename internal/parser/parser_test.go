package parser

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsSupportedFile(t *testing.T) {
	dir := t.TempDir()

	tf := filepath.Join(dir, "test.go")
	if err := os.WriteFile(tf, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsSupportedFile(tf) {
		t.Error("expected .go file to be supported")
	}

	bf := filepath.Join(dir, "test.bin")
	if err := os.WriteFile(bf, []byte{0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(bf) {
		t.Error(".bin is not a registered extension, should be unsupported")
	}

	uf := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(uf, []byte{0x89, 0x50, 0x4E, 0x47}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(uf) {
		t.Error("expected .png file to be unsupported")
	}
}

func TestParsePlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := "# hello\n\nworld"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	text, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if text != content {
		t.Errorf("got %q, want %q", text, content)
	}
}

func TestParseUnregisteredExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(path); err == nil {
		t.Error("expected error for unregistered extension")
	}
}

func TestRegisterOverridesExtension(t *testing.T) {
	called := false
	Register("customext", func(_ string, _ []byte) (string, error) {
		called = true
		return "custom", nil
	})
	defer delete(registry, "customext")

	dir := t.TempDir()
	path := filepath.Join(dir, "file.customext")
	if err := os.WriteFile(path, []byte("raw"), 0o644); err != nil {
		t.Fatal(err)
	}
	text, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if !called || text != "custom" {
		t.Errorf("custom parser was not dispatched, got %q", text)
	}
}

func TestDecodeToUTF8ReplacesInvalidBytes(t *testing.T) {
	invalid := []byte{'h', 'i', 0xff, 0xfe, 0x00, 'x'} // not a real BOM prefix in this position
	out := DecodeToUTF8(invalid)
	if out == "" {
		t.Fatal("expected non-empty decoded text")
	}
}

func TestDetectEncodingBOM(t *testing.T) {
	utf8BOM := []byte{0xEF, 0xBB, 0xBF, 'h', 'i'}
	if enc := DetectEncoding(utf8BOM); enc != "UTF-8" {
		t.Errorf("expected UTF-8, got %s", enc)
	}
	utf16le := []byte{0xFF, 0xFE, 'h', 0x00}
	if enc := DetectEncoding(utf16le); enc != "UTF-16LE" {
		t.Errorf("expected UTF-16LE, got %s", enc)
	}
}
