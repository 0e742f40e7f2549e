package warp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"syscall"
)

type ErrorMsg struct {
	Address string
	Replace bool
	Error   error
}

type Task struct {
	Granule *Granule
	Resp    chan *Result
	Error   chan error
}

// Process is one warp worker subprocess listening on a unix domain
// socket. Workers crash with the datasets they read; the pool watches
// ErrorMsg and replaces dead processes.
type Process struct {
	TaskQueue      chan *Task
	Address        string
	TempFile       string
	Cmd            *exec.Cmd
	CombinedOutput io.ReadCloser
	ErrorMsg       chan *ErrorMsg
}

func NewProcess(tQueue chan *Task, binary string, errChan chan *ErrorMsg, verbose bool) *Process {

	// the temp file has to stay around to prevent a race on the unix
	// socket path when processes are replaced
	tmpFile, err := os.CreateTemp("", "gocube_warp_")
	if err != nil {
		panic(err)
	}
	tmpFile.Close()
	tmpFileName := tmpFile.Name()
	addr := tmpFileName + "_socket"

	verboseArg := ""
	if verbose {
		verboseArg = "-verbose"
	}

	cmd := exec.Command(binary, "-sock", addr, verboseArg)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	combinedOutput, err := cmd.StderrPipe()
	if err != nil {
		combinedOutput = nil
		log.Printf("Failed to obtain subprocess stderr pipe: %v\n", err)
	} else {
		cmd.Stdout = cmd.Stderr
	}

	return &Process{tQueue, addr, tmpFileName, cmd, combinedOutput, errChan}
}

func (p *Process) Start() error {
	err := p.Cmd.Start()
	if err != nil {
		os.Remove(p.TempFile)
		p.ErrorMsg <- &ErrorMsg{p.Address, false, fmt.Errorf("failed to start process: %v", err)}
		return err
	}

	log.Println("Warp worker running with PID", p.Cmd.Process.Pid)

	go func() {
		defer os.Remove(p.TempFile)
		defer os.Remove(p.Address)

		for task := range p.TaskQueue {

			conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: p.Address, Net: "unix"})
			if err != nil {
				task.Error <- fmt.Errorf("dial failed: %v", err)
				p.ErrorMsg <- &ErrorMsg{p.Address, true, err}
				break
			}

			inb, err := EncodeGranule(task.Granule)
			if err != nil {
				conn.Close()
				task.Error <- fmt.Errorf("encode failed: %v", err)
				continue
			}

			n, err := conn.Write(inb)
			if err != nil {
				conn.Close()
				task.Error <- fmt.Errorf("error writing %d bytes of data: %v", n, err)
				continue
			}
			conn.CloseWrite()

			var buf bytes.Buffer
			nr, err := io.Copy(&buf, conn)
			if err != nil {
				conn.Close()
				task.Error <- fmt.Errorf("error reading %d bytes of data: %v", nr, err)
				continue
			}
			conn.Close()

			out, err := DecodeResult(buf.Bytes())
			if err != nil {
				task.Error <- fmt.Errorf("error decoding data: %v", err)
				continue
			}

			task.Resp <- out
		}
	}()

	go func() {
		defer os.Remove(p.TempFile)
		defer os.Remove(p.Address)

		// relay subprocess output to our log, tagged with its pid
		if p.CombinedOutput != nil {
			reader := bufio.NewReader(p.CombinedOutput)
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					break
				}

				log.Println(p.Cmd.Process.Pid, line)
			}
		}

		err = p.Cmd.Wait()
		if err != nil {
			p.ErrorMsg <- &ErrorMsg{p.Address, true, fmt.Errorf("process exited: %v", err)}
		}

	}()

	return nil
}
