package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"miren.dev/extfs/ext4"
)

var (
	fMetrics = flag.String("metrics", "", "address to serve metrics on")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: extfs [flags] <info|ls|cat|stat> <image> [path]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo

	if os.Getenv("EXTFS_DEBUG") != "" {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() < 2 {
		usage()
	}

	if *fMetrics != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())

			if err := http.ListenAndServe(*fMetrics, nil); err != nil {
				log.Error("metrics listener failed", "error", err)
			}
		}()
	}

	cmd, image := flag.Arg(0), flag.Arg(1)

	path := "/"
	if flag.NArg() > 2 {
		path = flag.Arg(2)
	}

	if err := run(log, cmd, image, path); err != nil {
		log.Error("error running command", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cmd, image, path string) error {
	dev, err := os.Open(image)
	if err != nil {
		return err
	}
	defer dev.Close()

	p, err := ext4.Mount(dev, ext4.WithLogger(log))
	if err != nil {
		return err
	}
	defer p.Unmount()

	switch cmd {
	case "info":
		return volumeInfo(p)
	case "ls":
		return list(p, path)
	case "cat":
		return cat(p, path)
	case "stat":
		return stat(p, path)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func volumeInfo(p *ext4.Partition) error {
	info, err := p.VolumeInfo()
	if err != nil {
		return err
	}

	fmt.Printf("label:      %s\n", info.Label)
	fmt.Printf("uuid:       %s\n", info.UUID)
	fmt.Printf("block size: %d\n", info.BlockSize)
	fmt.Printf("size:       %s\n", info.VolumeSize.Short())
	fmt.Printf("free:       %s\n", info.FreeSpace.Short())
	fmt.Printf("read-only:  %v\n", info.ReadOnly)

	return nil
}

func list(p *ext4.Partition, path string) error {
	dir, err := p.Open(path, ext4.OpenRead)
	if err != nil {
		return err
	}
	defer dir.Close()

	for {
		info, err := dir.ReadDir()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		kind := "-"
		if info.Dir {
			kind = "d"
		}

		fmt.Printf("%s %10s  %s  %s\n", kind, info.Size.Short(), info.ModTime.Format("2006-01-02 15:04"), info.Name)
	}
}

func cat(p *ext4.Partition, path string) error {
	f, err := p.Open(path, ext4.OpenRead)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 1024*1024)

	for {
		n, err := f.Read(buf)
		if err != nil {
			return err
		}

		if n == 0 {
			return nil
		}

		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func stat(p *ext4.Partition, path string) error {
	f, err := p.Open(path, ext4.OpenRead)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	fmt.Printf("name:     %s\n", info.Name)
	fmt.Printf("size:     %d\n", info.Size.Uint64())
	fmt.Printf("physical: %d\n", info.PhysicalSize.Uint64())
	fmt.Printf("dir:      %v\n", info.Dir)
	fmt.Printf("mtime:    %s\n", info.ModTime)
	fmt.Printf("atime:    %s\n", info.AccessTime)

	if !info.CreateTime.IsZero() {
		fmt.Printf("crtime:   %s\n", info.CreateTime)
	}

	return nil
}
