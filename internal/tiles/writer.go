// Package tiles stores the frames of a tiled scan as one TIFF file per grid
// position plus a JSON manifest.
package tiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/image/tiff"
)

// ObjectKey is the execution-context key under which a scan keeps its writer.
const ObjectKey = "tile_writer"

// IndexFile is the manifest name written on Close.
const IndexFile = "index.json"

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("tile writer is closed")

// Entry describes one stored tile.
type Entry struct {
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	File   string `json:"file"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Index is the manifest of a tile directory.
type Index struct {
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Tiles []Entry `json:"tiles"`
}

// Writer writes tiles of a rows x cols grid into a directory.
type Writer struct {
	mu      sync.Mutex
	dir     string
	rows    int
	cols    int
	entries map[[2]int]Entry
	closed  bool
}

// NewWriter creates dir if needed and returns a writer for the grid.
func NewWriter(dir string, rows, cols int) (*Writer, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("tile grid must be positive, got %dx%d", rows, cols)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tile directory: %w", err)
	}
	return &Writer{dir: dir, rows: rows, cols: cols, entries: make(map[[2]int]Entry)}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// TileName returns the file name used for a grid position.
func TileName(row, col int) string {
	return fmt.Sprintf("tile_r%03d_c%03d.tif", row, col)
}

// WriteTile encodes img as a deflate-compressed TIFF. Writing the same
// position twice replaces the earlier tile.
func (w *Writer) WriteTile(row, col int, img image.Image) error {
	if img == nil {
		return fmt.Errorf("tile r%d c%d: image is nil", row, col)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if row < 0 || row >= w.rows || col < 0 || col >= w.cols {
		return fmt.Errorf("tile r%d c%d outside %dx%d grid", row, col, w.rows, w.cols)
	}

	name := TileName(row, col)
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("create tile: %w", err)
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode tile %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tile %s: %w", name, err)
	}

	bounds := img.Bounds()
	w.entries[[2]int{row, col}] = Entry{Row: row, Col: col, File: name, Width: bounds.Dx(), Height: bounds.Dy()}
	return nil
}

// Written returns the number of distinct tiles stored.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Close writes the manifest. Further writes fail; closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	index := Index{Rows: w.rows, Cols: w.cols, Tiles: make([]Entry, 0, len(w.entries))}
	for _, entry := range w.entries {
		index.Tiles = append(index.Tiles, entry)
	}
	sort.Slice(index.Tiles, func(i, j int) bool {
		if index.Tiles[i].Row != index.Tiles[j].Row {
			return index.Tiles[i].Row < index.Tiles[j].Row
		}
		return index.Tiles[i].Col < index.Tiles[j].Col
	})

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, IndexFile), data, 0o644)
}

// ReadIndex loads the manifest of a closed tile directory.
func ReadIndex(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode %s: %w", IndexFile, err)
	}
	return &index, nil
}

// ReadTile decodes a stored tile.
func ReadTile(dir string, row, col int) (image.Image, error) {
	f, err := os.Open(filepath.Join(dir, TileName(row, col)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tiff.Decode(f)
}
