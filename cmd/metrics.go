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
	"github.com/prometheus/client_golang/prometheus"
)

// Engine metrics. The S3-surface request metrics live with the outer
// layer; the core exports its internal health only.
var (
	metricShardWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardstore",
		Subsystem: "osd",
		Name:      "shard_writes_total",
		Help:      "Shard write transactions by outcome.",
	}, []string{"outcome"})

	metricShardReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardstore",
		Subsystem: "osd",
		Name:      "shard_reads_total",
		Help:      "Shard reads by outcome.",
	}, []string{"outcome"})

	metricMetaEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shardstore",
		Subsystem: "metastore",
		Name:      "entries",
		Help:      "Entries in the metadata index.",
	}, []string{"disk"})

	metricCacheHitRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shardstore",
		Subsystem: "cache",
		Name:      "hit_ratio",
		Help:      "Hit ratio of the named cache.",
	}, []string{"cache", "disk"})

	metricRepairQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardstore",
		Subsystem: "repair",
		Name:      "queue_depth",
		Help:      "Pending repair tasks.",
	})

	metricStripeWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardstore",
		Subsystem: "gateway",
		Name:      "stripe_writes_total",
		Help:      "Stripe writes by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		metricShardWrites,
		metricShardReads,
		metricMetaEntries,
		metricCacheHitRatio,
		metricRepairQueueDepth,
		metricStripeWrites,
	)
}
