package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"aarufmt/internal/aaruformat"
	"aarufmt/internal/version"
)

var mediaNames = map[string]aaruformat.MediaType{
	"hdd":      aaruformat.MediaGenericHDD,
	"cdrom":    aaruformat.MediaCDROM,
	"cdda":     aaruformat.MediaCDDA,
	"cdromxa":  aaruformat.MediaCDROMXA,
	"dvdrom":   aaruformat.MediaDVDROM,
	"fd35dd":   aaruformat.MediaFloppy35DD,
	"fd525hd":  aaruformat.MediaFloppy525HD,
	"lto":      aaruformat.MediaLTO,
	"dat":      aaruformat.MediaDAT,
	"travan":   aaruformat.MediaTravan,
}

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	cmd := strings.ToLower(args[0])
	switch cmd {
	case "version":
		fmt.Println(version.Get().String())
	case "create":
		cmdCreate(args[1:])
	case "info":
		cmdInfo(args[1:])
	case "read":
		cmdRead(args[1:])
	case "append":
		cmdAppend(args[1:])
	case "smoke":
		cmdSmoke(args[1:])
	default:
		fmt.Printf("unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("Usage: aarufmt [-version] <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  create  <path> <media> <sectors> <sector_size>   create a new image and fill it with a test pattern")
	fmt.Println("  info    <path>                                    print header/geometry info for an existing image")
	fmt.Println("  read    <path> <address> [count]                  hex dump one or more sectors")
	fmt.Println("  append  <path> <count>                            reopen an image and rewrite its first <count> sectors")
	fmt.Println("  smoke   <path>                                     create, close, append, close, reopen and verify a round trip")
	fmt.Println("Media: hdd, cdrom, cdda, cdromxa, dvdrom, fd35dd, fd525hd, lto, dat, travan")
}

func parseMedia(s string) (aaruformat.MediaType, error) {
	m, ok := mediaNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown media type %q", s)
	}
	return m, nil
}

func testPattern(address uint64, size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(address) ^ byte(i)
	}
	return p
}

func cmdCreate(args []string) {
	if len(args) < 4 {
		fmt.Println("create <path> <media> <sectors> <sector_size>")
		os.Exit(2)
	}
	path := args[0]
	media, err := parseMedia(args[1])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	sectors, _ := strconv.ParseUint(args[2], 10, 64)
	sectorSize, _ := strconv.ParseUint(args[3], 10, 32)

	opts := aaruformat.DefaultCreateOptions()
	opts.MediaType = media
	opts.Sectors = sectors
	opts.SectorSize = uint32(sectorSize)
	opts.MD5 = true
	opts.SHA256 = true

	w, err := aaruformat.Create(path, opts, aaruformat.NewDefaultLogger())
	if err != nil {
		fmt.Println("create:", err)
		os.Exit(1)
	}

	for addr := uint64(0); addr < sectors; addr++ {
		if err := w.WriteSector(testPattern(addr, int(sectorSize)), addr); err != nil {
			fmt.Println("write sector:", err)
			os.Exit(1)
		}
	}

	stats, err := w.Close()
	if err != nil {
		fmt.Println("close:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d sectors (%d deduplicated, %.1f%% dedup ratio) in %d data blocks\n",
		stats.TotalSectorsWritten, stats.DeduplicatedSectors, stats.DedupRatio()*100, stats.UserDataBlocksWritten)
}

func cmdInfo(args []string) {
	if len(args) < 1 {
		fmt.Println("info <path>")
		os.Exit(2)
	}
	r, err := aaruformat.Open(args[0], aaruformat.NewDefaultLogger())
	if err != nil {
		fmt.Println("open:", err)
		os.Exit(1)
	}
	defer r.Close()

	info := r.Info()
	fmt.Printf("media_type:    %d\n", info.MediaType)
	fmt.Printf("sectors:       %d\n", info.Sectors)
	fmt.Printf("sector_size:   %d\n", info.SectorSize)
	fmt.Printf("version:       %d.%d\n", info.ImageMajorVersion, info.ImageMinorVersion)
	fmt.Printf("legacy:        %v\n", info.Legacy)
	fmt.Printf("created:       %s\n", info.CreationTime)
	fmt.Printf("last_written:  %s\n", info.LastWrittenTime)
	fmt.Printf("tracks:        %d\n", len(r.Tracks()))
	if g, ok := r.Geometry(); ok {
		fmt.Printf("geometry:      C=%d H=%d S=%d\n", g.Cylinders, g.Heads, g.SectorsPerTrack)
	}
	for alg, sum := range r.Checksums() {
		fmt.Printf("checksum[%s]:  %s\n", alg, hex.EncodeToString(sum))
	}
}

func cmdRead(args []string) {
	if len(args) < 2 {
		fmt.Println("read <path> <address> [count]")
		os.Exit(2)
	}
	r, err := aaruformat.Open(args[0], aaruformat.NewDefaultLogger())
	if err != nil {
		fmt.Println("open:", err)
		os.Exit(1)
	}
	defer r.Close()

	addr, _ := strconv.ParseUint(args[1], 10, 64)
	count := uint64(1)
	if len(args) >= 3 {
		count, _ = strconv.ParseUint(args[2], 10, 64)
	}

	for i := uint64(0); i < count; i++ {
		data, err := r.ReadSector(addr + i)
		if err != nil {
			fmt.Printf("sector %d: %v\n", addr+i, err)
			continue
		}
		fmt.Printf("sector %d (%d bytes): %s\n", addr+i, len(data), hex.EncodeToString(data))
	}
}

func cmdAppend(args []string) {
	if len(args) < 2 {
		fmt.Println("append <path> <count>")
		os.Exit(2)
	}
	path := args[0]
	count, _ := strconv.ParseUint(args[1], 10, 64)

	r, err := aaruformat.Open(path, aaruformat.NewNoopLogger())
	if err != nil {
		fmt.Println("open for size probe:", err)
		os.Exit(1)
	}
	total := r.Info().Sectors
	sectorSize := r.Info().SectorSize
	media := r.Info().MediaType
	r.Close()

	if count > total {
		count = total
	}

	w, err := aaruformat.Append(path, media, aaruformat.NewDefaultLogger())
	if err != nil {
		fmt.Println("append:", err)
		os.Exit(1)
	}
	// Rewrite with an inverted pattern so the effect of second-write-wins is
	// visible on readback.
	for addr := uint64(0); addr < count; addr++ {
		data := testPattern(addr, int(sectorSize))
		for i := range data {
			data[i] ^= 0xFF
		}
		if err := w.WriteSector(data, addr); err != nil {
			fmt.Println("write sector:", err)
			os.Exit(1)
		}
	}
	stats, err := w.Close()
	if err != nil {
		fmt.Println("close:", err)
		os.Exit(1)
	}
	fmt.Printf("rewrote %d of %d sectors\n", count, total)
	fmt.Printf("this session wrote %d sectors (%d deduplicated)\n", stats.TotalSectorsWritten, stats.DeduplicatedSectors)
}

// cmdSmoke drives create -> close -> append -> close -> reopen -> read
// against a scratch file, verifying every sector (including ones written
// before the append) reads back exactly as written.
func cmdSmoke(args []string) {
	if len(args) < 1 {
		fmt.Println("smoke <path>")
		os.Exit(2)
	}
	path := args[0]
	const totalSectors = 96
	const firstPass = 64
	const sectorSize = 512

	log := aaruformat.NewDefaultLogger()

	opts := aaruformat.DefaultCreateOptions()
	opts.MediaType = aaruformat.MediaGenericHDD
	opts.Sectors = totalSectors
	opts.SectorSize = sectorSize

	w, err := aaruformat.Create(path, opts, log)
	if err != nil {
		fmt.Println("create:", err)
		os.Exit(1)
	}
	for addr := uint64(0); addr < firstPass; addr++ {
		if err := w.WriteSector(testPattern(addr, sectorSize), addr); err != nil {
			fmt.Println("write sector:", err)
			os.Exit(1)
		}
	}
	if _, err := w.Close(); err != nil {
		fmt.Println("close:", err)
		os.Exit(1)
	}
	fmt.Println("created and closed:", firstPass, "of", totalSectors, "sectors dumped")

	w2, err := aaruformat.Append(path, aaruformat.MediaGenericHDD, log)
	if err != nil {
		fmt.Println("append:", err)
		os.Exit(1)
	}
	for addr := uint64(firstPass); addr < totalSectors; addr++ {
		if err := w2.WriteSector(testPattern(addr, sectorSize), addr); err != nil {
			fmt.Println("write sector:", err)
			os.Exit(1)
		}
	}
	if _, err := w2.Close(); err != nil {
		fmt.Println("close after append:", err)
		os.Exit(1)
	}
	fmt.Println("appended and closed:", totalSectors-firstPass, "more sectors")

	r, err := aaruformat.Open(path, log)
	if err != nil {
		fmt.Println("reopen:", err)
		os.Exit(1)
	}
	defer r.Close()

	if got := r.Info().Sectors; got != uint64(totalSectors) {
		fmt.Printf("FAIL: expected %d sectors, image reports %d\n", totalSectors, got)
		os.Exit(1)
	}
	for addr := uint64(0); addr < totalSectors; addr++ {
		got, err := r.ReadSector(addr)
		if err != nil {
			fmt.Printf("FAIL: read sector %d: %v\n", addr, err)
			os.Exit(1)
		}
		want := testPattern(addr, sectorSize)
		if string(got) != string(want) {
			fmt.Printf("FAIL: sector %d mismatch\n", addr)
			os.Exit(1)
		}
	}
	fmt.Printf("OK: round trip verified for %d sectors across an append boundary\n", totalSectors)
}
