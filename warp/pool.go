package warp

import (
	"context"
	"fmt"
	"log"
)

var LibexecDir = "."

const taskQueueSize = 400

// ProcessPool fans warp tasks out to a set of worker processes and
// replaces workers that die. It implements Warper.
type ProcessPool struct {
	Pool      []*Process
	TaskQueue chan *Task
	ErrorMsg  chan *ErrorMsg
}

func (p *ProcessPool) AddQueue(task *Task) {
	if len(p.TaskQueue) > taskQueueSize-10 {
		task.Error <- fmt.Errorf("warp task queue is full")
		return
	}
	p.TaskQueue <- task
}

func (p *ProcessPool) CreateProcess(executable string, verbose bool) (*Process, error) {

	if len(executable) == 0 {
		executable = LibexecDir + "/gocube-warp"
	}
	proc := NewProcess(p.TaskQueue, executable, p.ErrorMsg, verbose)
	err := proc.Start()

	return proc, err
}

func CreateProcessPool(n int, executable string, verbose bool) (*ProcessPool, error) {

	p := &ProcessPool{[]*Process{}, make(chan *Task, taskQueueSize), make(chan *ErrorMsg)}

	go func() {
		for {
			select {
			case err := <-p.ErrorMsg:
				if err.Replace {
					log.Printf("Warp worker: %v, %v, restarting...", err.Address, err.Error)
					for ip, proc := range p.Pool {
						if err.Address == proc.Address {
							p.Pool[ip] = nil
							proc, err := p.CreateProcess(executable, verbose)
							if err == nil {
								p.Pool[ip] = proc
							}
							break
						}
					}
				} else {
					log.Printf("Warp worker: %v, %v", err.Address, err.Error)
				}
			}
		}
	}()

	for i := 0; i < n; i++ {
		proc, err := p.CreateProcess(executable, verbose)
		if err != nil {
			return nil, err
		}
		p.Pool = append(p.Pool, proc)
	}

	return p, nil
}

func (p *ProcessPool) do(ctx context.Context, g *Granule) (*Result, error) {
	task := &Task{
		Granule: g,
		Resp:    make(chan *Result, 1),
		Error:   make(chan error, 1),
	}

	select {
	case p.TaskQueue <- task:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-task.Resp:
		if len(res.Error) > 0 {
			return nil, fmt.Errorf("warp worker: %s", res.Error)
		}
		return res, nil
	case err := <-task.Error:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ProcessPool) Warp(ctx context.Context, g *Granule) (*Raster, error) {
	req := *g
	req.Operation = "warp"
	res, err := p.do(ctx, &req)
	if err != nil {
		return nil, err
	}
	if res.Raster == nil {
		return nil, fmt.Errorf("warp worker returned no raster for %s", g.Path)
	}
	return res.Raster, nil
}

func (p *ProcessPool) Info(ctx context.Context, path string) (*Info, error) {
	res, err := p.do(ctx, &Granule{Operation: "info", Path: path})
	if err != nil {
		return nil, err
	}
	if res.Info == nil {
		return nil, fmt.Errorf("warp worker returned no info for %s", path)
	}
	return res.Info, nil
}

func (p *ProcessPool) Transform(ctx context.Context, srcSRS, dstSRS string, xs, ys []float64) ([]float64, []float64, error) {
	res, err := p.do(ctx, &Granule{Operation: "transform", SrcSRS: srcSRS, DstSRS: dstSRS, Xs: xs, Ys: ys})
	if err != nil {
		return nil, nil, err
	}
	if len(res.Xs) != len(xs) || len(res.Ys) != len(ys) {
		return nil, nil, fmt.Errorf("transform returned %d points, want %d", len(res.Xs), len(xs))
	}
	return res.Xs, res.Ys, nil
}
