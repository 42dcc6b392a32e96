// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command parcel-recv connects to a remote RUDP endpoint and downloads a
// single file of known size, optionally decrypting it in place.
package main

import (
	"crypto/sha1"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kyleaschmitt/parcel/internal/filerecv"
	"github.com/kyleaschmitt/parcel/internal/transport"
	"github.com/kyleaschmitt/parcel/internal/xcipher"
)

const SALT = "parcel"

var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "parcel-recv"
	app.Usage = "download a file over a connected RUDP session"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "remoteaddr,r",
			Value: "127.0.0.1:9000",
			Usage: "remote RUDP sender address",
		},
		cli.StringFlag{
			Name:  "out,o",
			Value: "out.bin",
			Usage: "destination file path",
		},
		cli.Int64Flag{
			Name:  "size,s",
			Usage: "exact number of bytes to receive",
		},
		cli.Int64Flag{
			Name:  "blocksize,b",
			Value: 1 << 20,
			Usage: "bytes read per block before decrypt+write",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "",
			Usage:  "pre-shared secret; empty disables decryption",
			EnvVar: "PARCEL_KEY",
		},
		cli.BoolFlag{
			Name:  "cfb",
			Usage: "use AES-128-CFB instead of AES-128-CTR",
		},
		cli.IntFlag{
			Name:  "procs",
			Value: 1,
			Usage: "cipher bank width; 1 runs inline, >=2 pipelines across worker goroutines",
		},
		cli.IntFlag{
			Name:  "datashard,ds",
			Value: 10,
			Usage: "reed-solomon erasure coding data shard count",
		},
		cli.IntFlag{
			Name:  "parityshard,ps",
			Value: 3,
			Usage: "reed-solomon erasure coding parity shard count",
		},
		cli.BoolFlag{
			Name:  "printstats",
			Usage: "print download progress once per second",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path; defaults to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, overrides the flags above",
		},
	}
	app.Action = func(c *cli.Context) error {
		config := Config{
			RemoteAddr:  c.String("remoteaddr"),
			Out:         c.String("out"),
			Size:        c.Int64("size"),
			BlockSize:   c.Int64("blocksize"),
			Key:         c.String("key"),
			Procs:       c.Int("procs"),
			DataShard:   c.Int("datashard"),
			ParityShard: c.Int("parityshard"),
			PrintStats:  c.Bool("printstats"),
			Log:         c.String("log"),
		}
		if c.Bool("cfb") {
			config.Crypt = "cfb"
		}
		if c.String("c") != "" {
			if err := parseJSONConfig(&config, c.String("c")); err != nil {
				log.Fatalf("%+v", err)
			}
		}
		if config.Size <= 0 {
			return errors.New("size must be > 0")
		}

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				log.Fatalf("%+v", err)
			}
			defer f.Close()
			log.SetOutput(f)
		}

		log.Println("version:", VERSION)
		log.Println("remote:", config.RemoteAddr, "out:", config.Out, "size:", config.Size)

		ds, ps := config.DataShard, config.ParityShard
		if ds == 0 && ps == 0 {
			ds, ps = 10, 3
		}
		rudp, err := transport.DialRemoteRUDP(config.RemoteAddr, nil, ds, ps)
		if err != nil {
			return errors.Wrap(err, "dial remote rudp")
		}
		defer rudp.Close()

		var dec *xcipher.XCipher
		if config.Key != "" {
			pass := pbkdf2.Key([]byte(config.Key), []byte(SALT), 4096, 32, sha1.New)
			dec, err = xcipher.New(xcipher.Decrypt, pass[:16], make([]byte, 16), config.Procs, config.Crypt == "cfb")
			if err != nil {
				return errors.Wrap(err, "build decryptor")
			}
			defer dec.Close()
		}

		out, err := os.Create(config.Out)
		if err != nil {
			return errors.Wrap(err, "create output file")
		}
		defer out.Close()

		stats := &filerecv.Stats{}
		if config.PrintStats {
			stop := make(chan struct{})
			defer close(stop)
			go printProgress(stats, config.Size, stop)
		}

		n, err := filerecv.Receive(rudp, dec, out, config.Size, config.BlockSize, stats)
		if err != nil {
			return errors.Wrap(err, "receive")
		}
		log.Println("received", n, "bytes ->", config.Out)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func printProgress(stats *filerecv.Stats, total int64, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			got := stats.Downloaded()
			fmt.Printf("\r%d / %d bytes (%.1f%%)", got, total, 100*float64(got)/float64(total))
		}
	}
}
