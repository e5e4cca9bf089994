// Copyright (C) 2024 GnitzDB Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command gnitzd is the GnitzDB daemon: it opens an engine.Engine over a
// data directory and serves the ipc package's SOCK_SEQPACKET protocol to
// every client that connects on its unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "development"

func main() {
	fs := flag.NewFlagSet("gnitzd", flag.ExitOnError)
	configPath := fs.String("c", "", "path to a YAML config file (defaults baked in if omitted)")
	dataDir := fs.String("d", "", "overrides Config.DataDir")
	socketPath := fs.String("s", "", "overrides Config.SocketPath")
	if fs.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)

	d, err := newDaemon(*configPath, *dataDir, *socketPath, logger)
	if err != nil {
		logger.Fatal(err)
	}

	go func() {
		logger.Printf("gnitzd %s listening on %s", version, d.socketPath)
		if err := d.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	d.Shutdown(ctx)
}
