// Command mkfs builds a fresh file-system image and, optionally, packs
// a directory of host files into its root directory. The image's root
// is flat and single-level, so a skeleton subdirectory is reported and
// skipped rather than silently flattened.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"rvcore/blockdev"
	"rvcore/fs"
)

func main() {
	out := flag.String("out", "fs.img", "path to write the resulting image to")
	blocks := flag.Int("blocks", 4096, "total block count")
	inodeBitmapBlocks := flag.Int("inode-bitmap-blocks", 1, "inode bitmap block count")
	skel := flag.String("skel", "", "optional directory of files to pack into the root directory")
	flag.Parse()

	dev := blockdev.NewMemdev(*blocks)
	fsys, err := fs.Mkfs(dev, *blocks, *inodeBitmapBlocks)
	if err != 0 {
		log.Fatalf("mkfs: %v", err)
	}

	if *skel != "" {
		if err := addFiles(fsys, *skel); err != nil {
			log.Fatalf("mkfs: %v", err)
		}
	}

	if err := fsys.SyncAll(); err != 0 {
		log.Fatalf("mkfs: sync: %v", err)
	}
	if err := os.WriteFile(*out, dev.Bytes(), 0o644); err != nil {
		log.Fatalf("mkfs: write %s: %v", *out, err)
	}
	fmt.Printf("wrote %s: %d blocks, magic 0x%x\n", *out, *blocks, fs.MagicNumber)
}

func addFiles(fsys *fs.FileSystem, skelDir string) error {
	root := fsys.Root()
	entries, err := os.ReadDir(skelDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", skelDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Printf("mkfs: skipping %s: nested directories are out of scope\n", e.Name())
			continue
		}
		path := filepath.Join(skelDir, e.Name())
		if err := copyInto(root, path, e.Name()); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
	}
	return nil
}

func copyInto(root *fs.Inode, hostPath, name string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil && err != io.EOF {
		return err
	}
	ino, derr := root.Create(name, fs.TypeFile)
	if derr != 0 {
		return fmt.Errorf("create %s: %v", name, derr)
	}
	if _, werr := ino.WriteAt(data, 0); werr != 0 {
		return fmt.Errorf("write %s: %v", name, werr)
	}
	return nil
}
