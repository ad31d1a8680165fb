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

package secure

import (
	"net"
	netrpc "net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
)

// Secure monitor status codes.
const (
	StatusOK = iota
	StatusNoFault
	StatusNotSaved
	StatusInvalidBank
	StatusInvalidCommand
)

type bankKey struct {
	instance int
	bank     int
}

type bankState struct {
	fault *rpc.SecureResponse
	saved bool
}

// Monitor represents a secure monitor RPC receiver holding secure bank state
// on behalf of the normal world driver.
type Monitor struct {
	mu     sync.Mutex
	banks  map[bankKey]*bankState
	status map[rpc.Command]int
}

// NewMonitor returns an empty secure monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		banks:  make(map[bankKey]*bankState),
		status: make(map[rpc.Command]int),
	}
}

func (m *Monitor) bank(b rpc.Bank) *bankState {
	k := bankKey{b.Instance, b.Bank}

	s, ok := m.banks[k]

	if !ok {
		s = &bankState{}
		m.banks[k] = s
	}

	return s
}

// InjectFault latches a translation fault on a secure bank, it is returned
// by the next DumpSecureRegisters request.
func (m *Monitor) InjectFault(b rpc.Bank, iova uint64, pa uint64, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bank(b).fault = &rpc.SecureResponse{
		IOVA: iova,
		PA:   pa,
		ID:   id,
	}
}

// SetStatus forces the status returned for every request of the given
// command, StatusOK restores normal operation.
func (m *Monitor) SetStatus(cmd rpc.Command, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status == StatusOK {
		delete(m.status, cmd)
	} else {
		m.status[cmd] = status
	}
}

// Saved reports whether secure state is currently held for a bank.
func (m *Monitor) Saved(b rpc.Bank) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.bank(b).saved
}

// Version returns the secure monitor interface version.
func (m *Monitor) Version(_ *bool, v *rpc.MonitorVersion) error {
	v.Version = Version
	return nil
}

// Secure executes a secure bank request.
func (m *Monitor) Secure(req rpc.SecureRequest, res *rpc.SecureResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	*res = rpc.SecureResponse{}

	if s, ok := m.status[req.Command]; ok {
		res.Status = s
		return nil
	}

	if req.Bank.Bank < 0 || req.Bank.Bank >= req.Bank.Count {
		res.Status = StatusInvalidBank
		return nil
	}

	s := m.bank(req.Bank)

	switch req.Command {
	case rpc.DumpSecureRegisters:
		if s.fault == nil {
			res.Status = StatusNoFault
			return nil
		}

		*res = *s.fault
		s.fault = nil
	case rpc.BackupSecureRegisters:
		s.saved = true
	case rpc.RestoreSecureRegisters:
		if !s.saved {
			res.Status = StatusNotSaved
			return nil
		}

		s.saved = false
	default:
		res.Status = StatusInvalidCommand
	}

	klog.V(2).Infof("SM %s instance:%d bank:%d status:%d", req.Command, req.Bank.Instance, req.Bank.Bank, res.Status)

	return nil
}

// Pipe serves the argument monitor over an in-memory JSON-RPC connection
// and returns the client end.
func Pipe(m *Monitor) (*netrpc.Client, error) {
	srv := netrpc.NewServer()

	if err := srv.Register(m); err != nil {
		return nil, err
	}

	c, s := net.Pipe()
	go srv.ServeCodec(jsonrpc.NewServerCodec(s))

	return jsonrpc.NewClient(c), nil
}
