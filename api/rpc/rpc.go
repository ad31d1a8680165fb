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

// Package rpc defines the requests and responses exchanged with the secure
// monitor owning the M4U secure banks.
package rpc

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// Command identifies a secure monitor operation on a secure bank.
type Command int

const (
	// DumpSecureRegisters returns the fault registers of a secure bank.
	DumpSecureRegisters Command = iota
	// BackupSecureRegisters saves secure bank state ahead of power off.
	BackupSecureRegisters
	// RestoreSecureRegisters restores secure bank state after power on.
	RestoreSecureRegisters
)

func (c Command) String() string {
	switch c {
	case DumpSecureRegisters:
		return "dump"
	case BackupSecureRegisters:
		return "backup"
	case RestoreSecureRegisters:
		return "restore"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Bank identifies a secure bank on a logical M4U instance.
type Bank struct {
	// Instance is the logical hardware instance identifier.
	Instance int
	// Bank is the bank index within the instance.
	Bank int
	// Count is the number of banks of the instance.
	Count int
}

// SecureRequest represents an RPC request for a secure bank operation.
type SecureRequest struct {
	Bank
	Command Command
}

// SecureResponse represents the secure monitor response to a SecureRequest,
// fault information is only valid for DumpSecureRegisters.
type SecureResponse struct {
	// Status is zero on success.
	Status int

	IOVA uint64
	PA   uint64
	ID   uint32
}

// MonitorVersion represents the secure monitor interface version.
type MonitorVersion struct {
	Version semver.Version
}
