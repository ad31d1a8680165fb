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
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Reservation represents an IOVA range which must not be dynamically
// allocated within a device address space.
type Reservation struct {
	Start uint64
	Size  uint64
	Kind  ReservationKind
}

// reservations returns the regions strictly nested in regions[cur],
// reported as direct mappings or plain reservations.
func reservations(regions []Region, cur int) (resv []Reservation) {
	r := regions[cur]

	for i, n := range regions {
		if i == cur || !r.Contains(n.Base, n.End()) || n.Base == r.Base && n.Size == r.Size {
			continue
		}

		kind := ResvReserved

		if n.Kind == ResvDirect {
			kind = ResvDirect
		}

		resv = append(resv, Reservation{Start: n.Base, Size: n.Size, Kind: kind})
	}

	return
}

// Group represents the devices sharing one IOVA region of a shared
// hardware list.
type Group struct {
	ID     int
	Region int

	refs atomic.Int32
}

// Refs returns the number of device group lookups.
func (g *Group) Refs() int {
	return int(g.refs.Load())
}

var groupID atomic.Int64

// DeviceGroup returns the group of a device, all devices of a shared
// hardware list classified in the same region share one group.
func (d *Driver) DeviceGroup(dev *Device) (*Group, error) {
	inst, err := d.instance(dev)

	if err != nil {
		return nil, err
	}

	first, err := d.reg.first(inst.list)

	if err != nil {
		return nil, err
	}

	region, err := ResolveRegion(inst.prof.Regions, dev.DMA)

	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev.Name, err)
	}

	first.mu.Lock()
	defer first.mu.Unlock()

	g := first.groups[region]

	if g == nil {
		g = &Group{
			ID:     int(groupID.Add(1)),
			Region: region,
		}

		first.groups[region] = g

		klog.V(2).Infof("m4u: %s group:%d region:%s", first.Name, g.ID, first.prof.Regions[region].Name)
	}

	g.refs.Add(1)

	return g, nil
}

// ReservedRegions returns the IOVA ranges reserved within the region of a
// device.
func (d *Driver) ReservedRegions(dev *Device) ([]Reservation, error) {
	inst, err := d.instance(dev)

	if err != nil {
		return nil, err
	}

	region, err := ResolveRegion(inst.prof.Regions, dev.DMA)

	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev.Name, err)
	}

	return reservations(inst.prof.Regions, region), nil
}
