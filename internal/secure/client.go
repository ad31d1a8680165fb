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

// Package secure implements the RPC bridge between the normal world M4U
// driver and the secure monitor owning secure bank state.
package secure

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

// Version is the secure monitor interface version spoken by this package.
var Version = *semver.New("1.0.0")

// ErrVersion is returned when the secure monitor speaks an incompatible
// interface version.
var ErrVersion = errors.New("incompatible secure monitor version")

// Caller represents an RPC transport towards the secure monitor, it is
// satisfied by *net/rpc.Client as well as by the GoTEE system call
// interface.
type Caller interface {
	Call(serviceMethod string, args any, reply any) error
}

// StatusError is returned when the secure monitor rejects a request.
type StatusError struct {
	Command rpc.Command
	Bank    rpc.Bank
	Status  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("secure %s on instance %d bank %d failed, status %d", e.Command, e.Bank.Instance, e.Bank.Bank, e.Status)
}

// Client implements m4u.SecureBridge over a Caller.
type Client struct {
	c Caller
}

var _ m4u.SecureBridge = (*Client)(nil)

// NewClient returns a secure monitor client using the argument transport.
func NewClient(c Caller) *Client {
	return &Client{c: c}
}

// Init verifies that the secure monitor interface version is compatible.
func (c *Client) Init() error {
	var v rpc.MonitorVersion

	if err := c.c.Call("Monitor.Version", nil, &v); err != nil {
		return fmt.Errorf("could not read secure monitor version, %w", err)
	}

	if v.Version.Major != Version.Major || v.Version.LessThan(Version) {
		return fmt.Errorf("%w: %s (want %s)", ErrVersion, v.Version.String(), Version.String())
	}

	klog.V(1).Infof("secure monitor version %s", v.Version.String())

	return nil
}

func (c *Client) call(cmd rpc.Command, b rpc.Bank) (res rpc.SecureResponse, err error) {
	req := rpc.SecureRequest{
		Bank:    b,
		Command: cmd,
	}

	if err = c.c.Call("Monitor.Secure", req, &res); err != nil {
		return res, fmt.Errorf("secure %s, %w", cmd, err)
	}

	return
}

// DumpSecureRegisters returns the pending fault of a secure bank, a non-zero
// response status indicates that no valid fault information is available.
func (c *Client) DumpSecureRegisters(b rpc.Bank) (rpc.SecureResponse, error) {
	return c.call(rpc.DumpSecureRegisters, b)
}

// BackupSecureRegisters asks the secure monitor to save secure bank state.
func (c *Client) BackupSecureRegisters(b rpc.Bank) error {
	return c.checked(rpc.BackupSecureRegisters, b)
}

// RestoreSecureRegisters asks the secure monitor to restore secure bank state.
func (c *Client) RestoreSecureRegisters(b rpc.Bank) error {
	return c.checked(rpc.RestoreSecureRegisters, b)
}

func (c *Client) checked(cmd rpc.Command, b rpc.Bank) error {
	res, err := c.call(cmd, b)

	if err != nil {
		return err
	}

	if res.Status != 0 {
		return &StatusError{Command: cmd, Bank: b, Status: res.Status}
	}

	return nil
}
