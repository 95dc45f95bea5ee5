// Copyright (c) 2024-2026 Shardstore, Inc.
//
// This file is part of Shardstore Object Storage stack
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/minio/cli"

	"github.com/shardstore/shardstore/internal/hrw"
	"github.com/shardstore/shardstore/internal/logger"
)

var formatCmd = cli.Command{
	Name:      "format",
	Usage:     "initialize a raw device or backing file for OSD use",
	ArgsUsage: "PATH SIZE (e.g. /data/disk.raw 10GiB)",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "block-size", Value: "4MiB", Usage: "data block size"},
		cli.StringFlag{Name: "wal-size", Value: "1GiB", Usage: "data WAL region size"},
	},
	Action: formatMain,
}

func formatMain(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.ShowCommandHelp(c, "format")
	}
	path := c.Args().Get(0)
	size, err := humanize.ParseBytes(c.Args().Get(1))
	if err != nil {
		return err
	}
	blockSize, err := humanize.ParseBytes(c.String("block-size"))
	if err != nil {
		return err
	}
	walSize, err := humanize.ParseBytes(c.String("wal-size"))
	if err != nil {
		return err
	}
	if err := formatDisk(path, size, walSize, uint32(blockSize)); err != nil {
		return err
	}
	fatalLog.WithFields(logger.Fields{"path": path, "size": size}).Info("disk formatted")
	return nil
}

var osdCmd = cli.Command{
	Name:  "osd",
	Usage: "run the object storage daemon over the configured disks",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "meta-dir", Value: "/var/lib/shardstore", Usage: "metadata base directory"},
	},
	Action: osdMain,
}

func osdMain(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	logger.SetLevel(c.GlobalString("log-level"))

	var ccs *ccsClient
	if cfg.OSD.CCSAddr != "" {
		ccs = newCCSClient(cfg.OSD.CCSAddr)
	}

	disks := make(map[string]*osdStore, len(cfg.Storage.Disks))
	var repairers []*repairManager
	for i, path := range cfg.Storage.Disks {
		metaDir := filepath.Join(c.String("meta-dir"), "disk"+strconv.Itoa(i))
		if err := os.MkdirAll(metaDir, 0o755); err != nil {
			return err
		}
		store, err := mountDisk(path, metaDir, cfg)
		if err != nil {
			return err
		}
		if ccs != nil {
			store.primaryCheck = primaryCheckFor(ccs, store)
			rm := newRepairManager(store, ccs)
			rm.Start()
			repairers = append(repairers, rm)
		}
		disks[store.diskID] = store
		osdLog.WithFields(logger.Fields{"path": path, "disk": store.diskID}).Info("disk mounted")
	}
	if len(disks) == 0 {
		return cli.NewExitError("no disks configured under [storage]", 1)
	}

	srv := newOSDServer(cfg.OSD.NodeID, disks)
	httpServer := &http.Server{Addr: cfg.OSD.ListenAddr, Handler: srv.Handler()}
	go func() {
		osdLog.WithField("addr", cfg.OSD.ListenAddr).Info("OSD serving")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fatalLog.WithError(err).Fatal("OSD server failed")
		}
	}()

	waitForSignal()
	httpServer.Close()
	for _, rm := range repairers {
		rm.Stop()
	}
	for _, store := range disks {
		if err := store.Close(); err != nil {
			osdLog.WithError(err).Warn("disk close failed")
		}
	}
	return nil
}

// primaryCheckFor wires the single-writer invariant: the OSD accepts
// ObjectMeta only when placement names one of its own disks primary.
func primaryCheckFor(ccs *ccsClient, store *osdStore) primaryCheckFunc {
	return func(bucket, key string) (bool, error) {
		ctx, cancel := contextWithDefaultTimeout()
		defer cancel()
		sc, err := ccs.BucketClass(ctx, bucket)
		if err != nil {
			return false, err
		}
		topo, err := ccs.Topology(ctx)
		if err != nil {
			return false, err
		}
		primary, err := hrw.Primary(bucket, key, sc.PlacementSpec(), topo.Topology)
		if err != nil {
			return false, err
		}
		return primary.DiskID == store.diskID, nil
	}
}

var ccsCmd = cli.Command{
	Name:  "ccs",
	Usage: "run the cluster configuration service",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "listen", Value: ":9410", Usage: "listen address"},
		cli.StringFlag{Name: "topology", Usage: "initial topology JSON file"},
	},
	Action: ccsMain,
}

func ccsMain(c *cli.Context) error {
	logger.SetLevel(c.GlobalString("log-level"))
	snap := &topologySnapshot{Version: 1, Topology: &hrw.Topology{
		Version: 1,
		Root:    &hrw.Node{ID: "cluster", Level: hrw.LevelCluster},
	}}
	if path := c.String("topology"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, snap); err != nil {
			return err
		}
	}
	srv := newCCSServer(snap)
	httpServer := &http.Server{Addr: c.String("listen"), Handler: srv.Handler()}
	go func() {
		fatalLog.WithField("addr", c.String("listen")).Info("CCS serving")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fatalLog.WithError(err).Fatal("CCS server failed")
		}
	}()
	waitForSignal()
	return httpServer.Close()
}

var gatewayCmd = cli.Command{
	Name:  "gateway",
	Usage: "run the stateless gateway data path",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "listen", Value: ":9400", Usage: "listen address"},
		cli.StringFlag{Name: "ccs", Value: "localhost:9410", Usage: "CCS address"},
	},
	Action: gatewayMain,
}

func gatewayMain(c *cli.Context) error {
	logger.SetLevel(c.GlobalString("log-level"))
	engine := newGatewayEngine(
		newCCSClient(c.String("ccs")),
		tokenKeyFromEnv(os.Getenv("SHARDSTORE_TOKEN_KEY")),
	)
	httpServer := &http.Server{Addr: c.String("listen"), Handler: engine.Handler()}
	go func() {
		gwLog.WithField("addr", c.String("listen")).Info("gateway serving")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fatalLog.WithError(err).Fatal("gateway server failed")
		}
	}()
	waitForSignal()
	return httpServer.Close()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func contextWithDefaultTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
