package chunkuploader

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestBytesFile(t *testing.T) {
	file := NewBytesFile("cover.jpg", []byte("chunk1chunk2chunk3"))

	if file.Name() != "cover.jpg" {
		t.Errorf("Expected cover.jpg, got %s", file.Name())
	}
	if file.Size() != 18 {
		t.Errorf("Expected size 18, got %d", file.Size())
	}

	data, err := ReadChunk(file, Chunk{Index: 1, Start: 6, End: 12, Size: 6})
	if err != nil {
		t.Fatalf("ReadChunk error: %v", err)
	}
	if string(data) != "chunk2" {
		t.Errorf("Expected chunk2, got %s", data)
	}
}

func TestReadChunk_ShortRead(t *testing.T) {
	file := NewBytesFile("a", []byte("short"))

	if _, err := ReadChunk(file, Chunk{Index: 0, Start: 0, End: 10, Size: 10}); err == nil {
		t.Error("Expected error for a chunk past the end of the file")
	}
}

func TestOpenFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	file, err := OpenFile(testFile)
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	defer file.Close()

	if file.Name() != "test.bin" || file.Size() != 100 {
		t.Errorf("Unexpected file: %s (%d bytes)", file.Name(), file.Size())
	}

	// 30+30+30+10 = 100
	chunks, err := Plan(file.Size(), 30)
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	var readData []byte
	for _, chunk := range chunks {
		data, err := ReadChunk(file, chunk)
		if err != nil {
			t.Fatalf("ReadChunk(%d) error: %v", chunk.Index, err)
		}
		readData = append(readData, data...)
	}

	if string(readData) != string(testData) {
		t.Errorf("Read data doesn't match original")
	}

	section, err := io.ReadAll(io.NewSectionReader(file, 95, 5))
	if err != nil || len(section) != 5 {
		t.Errorf("Unexpected section read: %v (%d bytes)", err, len(section))
	}
}

func TestOpenFile_Errors(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := OpenFile(t.TempDir()); err == nil {
		t.Error("Expected error for directory")
	}
}
