// Command diskutil performs raw block I/O against a file-backed disk
// image, for inspecting or patching an image outside the kernel. I/O
// goes through package blockdev/filedev's Pread/Pwrite.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"rvcore/blockdev"
	"rvcore/blockdev/filedev"
)

func main() {
	image := flag.String("image", "", "path to the disk image")
	blocks := flag.Int("blocks", 0, "image size in blocks (required)")
	op := flag.String("op", "read", "read | write | info")
	block := flag.Int("block", 0, "block id to operate on")
	data := flag.String("data", "", "hex-encoded bytes to write (write op only)")
	flag.Parse()

	if *image == "" || *blocks <= 0 {
		log.Fatal("diskutil: -image and -blocks are required")
	}
	dev, err := filedev.Open(*image, *blocks)
	if err != nil {
		log.Fatalf("diskutil: %v", err)
	}
	defer dev.Close()

	switch *op {
	case "info":
		fmt.Printf("%s: %d blocks, %d bytes/block\n", *image, dev.Blocks(), blockdev.BlockSize)
	case "read":
		buf := make([]byte, blockdev.BlockSize)
		if err := dev.ReadBlock(*block, buf); err != nil {
			log.Fatalf("diskutil: %v", err)
		}
		fmt.Println(hex.EncodeToString(buf))
	case "write":
		raw, err := hex.DecodeString(*data)
		if err != nil {
			log.Fatalf("diskutil: decode -data: %v", err)
		}
		buf := make([]byte, blockdev.BlockSize)
		copy(buf, raw)
		if err := dev.WriteBlock(*block, buf); err != nil {
			log.Fatalf("diskutil: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "diskutil: unknown -op %q\n", *op)
		os.Exit(1)
	}
}
