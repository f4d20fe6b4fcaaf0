// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ExecRunner spawns real backend processes. The backend is invoked as
//
//	<command> --tenant <tenant> --port <port>
//
// with TENANT_ID, GRPC_PORT and BASE_CONNECTION_STRING in the
// environment; the {TenantId} placeholder in the connection string is
// substituted before spawning.
type ExecRunner struct {
	Command              string
	Args                 []string
	BaseConnectionString string
}

// Start spawns the backend for the tenant.
func (r *ExecRunner) Start(_ context.Context, tenant string, port int) (Process, error) {
	args := append(append([]string{}, r.Args...), "--tenant", tenant, "--port", strconv.Itoa(port))
	cmd := exec.Command(r.Command, args...)
	conn := strings.ReplaceAll(r.BaseConnectionString, "{TenantId}", tenant)
	cmd.Env = append(os.Environ(),
		"TENANT_ID="+tenant,
		"GRPC_PORT="+strconv.Itoa(port),
		"BASE_CONNECTION_STRING="+conn,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting "+r.Command)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
