// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"unsafe"

	"github.com/saferwall/jitmem"
	"github.com/spf13/cobra"
)

var (
	blockSize int
	maxTotal  int
	dataHex   string
	repeat    int
)

func prettyPrint(buff []byte) string {
	var prettyJSON bytes.Buffer
	err := json.Indent(&prettyJSON, buff, "", "\t")
	if err != nil {
		log.Println("JSON parse error: ", err)
		return string(buff)
	}

	return prettyJSON.String()
}

type allocationReport struct {
	Index    int    `json:"index"`
	Base     uint64 `json:"base"`
	CodeAddr uint64 `json:"code_addr"`
	Size     int    `json:"size"`
	CodeSize int    `json:"code_size"`
}

type report struct {
	BlockSize     int                `json:"block_size"`
	MaxTotalSize  int                `json:"max_total_size"`
	Blocks        int                `json:"blocks"`
	ReservedBytes int                `json:"reserved_bytes"`
	Allocations   []allocationReport `json:"allocations"`
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func decodeHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(clean)
}

func publish(cmd *cobra.Command, args []string) {

	code, err := decodeHex(args[0])
	if err != nil {
		log.Printf("Error while decoding code bytes: %s", err)
		return
	}
	var data []byte
	if dataHex != "" {
		if data, err = decodeHex(dataHex); err != nil {
			log.Printf("Error while decoding data bytes: %s", err)
			return
		}
	}

	alloc, err := jitmem.New(&jitmem.Options{
		BlockSize:    blockSize,
		MaxTotalSize: maxTotal,
	})
	if err != nil {
		log.Printf("Error while creating the allocator: %s", err)
		return
	}
	defer alloc.Close()

	rep := report{
		BlockSize:    blockSize,
		MaxTotalSize: maxTotal,
	}
	for i := 0; i < repeat; i++ {
		out, err := alloc.Allocate(data, code)
		if err != nil {
			log.Printf("Allocation %d failed: %s", i+1, err)
			break
		}
		rep.Allocations = append(rep.Allocations, allocationReport{
			Index:    i + 1,
			Base:     uint64(sliceAddr(out.Base)),
			CodeAddr: uint64(sliceAddr(out.Code)),
			Size:     out.Size,
			CodeSize: len(out.Code),
		})
	}
	rep.Blocks = alloc.Blocks()
	rep.ReservedBytes = alloc.ReservedBytes()

	buff, _ := json.Marshal(rep)
	fmt.Print(prettyPrint(buff))
	fmt.Print("\n")
}

func main() {

	rootCmd := &cobra.Command{
		Use:   "jitdump",
		Short: "Publish machine code into executable memory and dump the layout",
	}

	publishCmd := &cobra.Command{
		Use:   "publish <hex code bytes>",
		Short: "Run hex-encoded code bytes through the allocator",
		Args:  cobra.ExactArgs(1),
		Run:   publish,
	}
	publishCmd.Flags().IntVarP(&blockSize, "block-size", "b",
		jitmem.DefaultBlockSize, "Bytes per block reservation")
	publishCmd.Flags().IntVarP(&maxTotal, "max-total", "m",
		jitmem.DefaultMaxTotalSize, "Cap on total reserved bytes")
	publishCmd.Flags().StringVarP(&dataHex, "data", "d", "",
		"Hex-encoded read-only data published in front of the code")
	publishCmd.Flags().IntVarP(&repeat, "repeat", "n", 1,
		"Publish the same buffers n times")

	rootCmd.AddCommand(publishCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
