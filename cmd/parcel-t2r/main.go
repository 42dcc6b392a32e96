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

// Command parcel-t2r listens on a local TCP address and forwards each
// connection to a remote RUDP endpoint.
package main

import (
	"crypto/sha1"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kyleaschmitt/parcel/internal/bridge"
)

const SALT = "parcel"

var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "parcel-t2r"
	app.Usage = "tcp-to-rudp bridge"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "localaddr,l",
			Value: ":9001",
			Usage: "local TCP listen address",
		},
		cli.StringFlag{
			Name:  "remoteaddr,r",
			Value: "127.0.0.1:9000",
			Usage: "remote RUDP target address",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "",
			Usage:  "pre-shared secret; empty disables encryption",
			EnvVar: "PARCEL_KEY",
		},
		cli.BoolFlag{
			Name:  "cfb",
			Usage: "use AES-128-CFB instead of AES-128-CTR (only safe with procs<=1)",
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
			LocalAddr:   c.String("localaddr"),
			RemoteAddr:  c.String("remoteaddr"),
			Key:         c.String("key"),
			Procs:       c.Int("procs"),
			DataShard:   c.Int("datashard"),
			ParityShard: c.Int("parityshard"),
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

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				log.Fatalf("%+v", err)
			}
			defer f.Close()
			log.SetOutput(f)
		}

		if config.Crypt == "cfb" && config.Procs > 1 {
			color.Red("WARNING: CFB mode is stateful per context; pipelining it across %d workers splits the stream into independent substreams.", config.Procs)
		}

		log.Println("version:", VERSION)
		log.Println("local:", config.LocalAddr, "remote:", config.RemoteAddr)
		log.Println("encryption:", config.Key != "")
		log.Println("procs:", config.Procs)
		log.Println("datashard:", config.DataShard, "parityshard:", config.ParityShard)

		var cipherCfg *bridge.CipherConfig
		if config.Key != "" {
			pass := pbkdf2.Key([]byte(config.Key), []byte(SALT), 4096, 32, sha1.New)
			cipherCfg = &bridge.CipherConfig{
				Key:    pass,
				Procs:  config.Procs,
				UseCFB: config.Crypt == "cfb",
			}
		}

		return bridge.StartT2R(config.LocalAddr, config.RemoteAddr, cipherCfg, bridge.KCPOptions{
			DataShard:   config.DataShard,
			ParityShard: config.ParityShard,
		})
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}
