// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package m4u

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

type metrics struct {
	faults        *prometheus.CounterVec
	flushAll      *prometheus.CounterVec
	flushRange    *prometheus.CounterVec
	flushTimeouts *prometheus.CounterVec
	attaches      *prometheus.CounterVec
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "m4u",
			Name:      "faults_total",
			Help:      "Translation faults raised by bank interrupts.",
		}, []string{"instance", "bank", "secure"}),
		flushAll: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "m4u",
			Name:      "tlb_flush_all_total",
			Help:      "Full TLB invalidations.",
		}, []string{"instance"}),
		flushRange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "m4u",
			Name:      "tlb_flush_range_total",
			Help:      "Range TLB invalidations.",
		}, []string{"instance"}),
		flushTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "m4u",
			Name:      "tlb_flush_range_timeouts_total",
			Help:      "Range TLB invalidations which fell back to a full flush.",
		}, []string{"instance"}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "m4u",
			Name:      "attaches_total",
			Help:      "Successful device attachments.",
		}, []string{"instance"}),
	}

	if r == nil {
		return m
	}

	for _, c := range []prometheus.Collector{m.faults, m.flushAll, m.flushRange, m.flushTimeouts, m.attaches} {
		if err := r.Register(c); err != nil {
			klog.Warningf("m4u: metrics registration failed, %v", err)
		}
	}

	return m
}
