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

//go:build tamago && arm
// +build tamago,arm

package secure

import (
	"github.com/usbarmory/GoTEE/monitor"
	"github.com/usbarmory/GoTEE/syscall"
)

// Syscall implements Caller over GoTEE supervisor calls, for drivers running
// as a trusted applet with the secure monitor acting as supervisor.
type Syscall struct{}

// Call issues an RPC request to the supervisor.
func (Syscall) Call(serviceMethod string, args any, reply any) error {
	return syscall.Call(serviceMethod, args, reply)
}

// Register exposes the secure monitor to the applet running in an
// execution context, requests are served on its supervisor calls.
func (m *Monitor) Register(ctx *monitor.ExecCtx) error {
	return ctx.Server.Register(m)
}
