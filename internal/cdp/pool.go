package cdp

import "sync"

// workPool 固定数量的处理协程与有界队列
type workPool struct {
	jobs chan func()
	wg   sync.WaitGroup
	once sync.Once
}

func newWorkPool(workers, capacity int) *workPool {
	if capacity < workers {
		capacity = workers
	}
	p := &workPool{jobs: make(chan func(), capacity)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// submit 投递任务，队列已满时返回 false
func (p *workPool) submit(job func()) (ok bool) {
	defer func() {
		// 已停止的池
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// stop 停止接收任务并等待已排队任务完成
func (p *workPool) stop() {
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
