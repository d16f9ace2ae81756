// tracedump prints the transfer packets recorded in a pcap trace.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Clouded-Sabre/udp-file-transfer/lib"
)

var (
	tracePath string
	summary   bool
)

func init() {
	flag.StringVar(&tracePath, "file", "transfer.pcap", "pcap trace to decode")
	flag.BoolVar(&summary, "summary", false, "print per type counts only")
}

func main() {
	flag.Parse()

	f, err := os.Open(tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error opening trace:", err)
		os.Exit(1)
	}
	defer f.Close()

	records, err := lib.ReadTrace(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error reading trace:", err)
		if len(records) == 0 {
			os.Exit(1)
		}
	}

	counts := make(map[lib.PacketType]int)
	for _, rec := range records {
		counts[rec.Packet.Type]++
		if summary {
			continue
		}
		line := fmt.Sprintf("%s %s -> %s %s", rec.Timestamp.Format("15:04:05.000000"), rec.Src, rec.Dst, rec.Packet)
		if rec.Packet.Type == lib.FileInfoPacket {
			if info, err := lib.DecodeFileInfo(rec.Packet.Payload); err == nil {
				line += fmt.Sprintf(" file=%q size=%d", info.Filename, info.TotalSize)
			}
		}
		fmt.Println(line)
	}

	fmt.Printf("%d packets:", len(records))
	for _, t := range []lib.PacketType{lib.FileInfoPacket, lib.DataPacket, lib.AckPacket, lib.FinishPacket} {
		fmt.Printf(" %s=%d", t, counts[t])
	}
	fmt.Println()
}
