package cos

import (
	"errors"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"
)

// Errs accumulates distinct errors seen during a single operation that must
// keep going after a partial failure: every caller sees the same joined
// error, deduplicated, capped at maxErrs. No package of the bus uses it at
// present.
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() string {
	cnt, err := e.JoinErr()
	if cnt == 0 {
		return ""
	}
	return err.Error()
}

func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Exitf aborts the process with a formatted fatal message. It is never
// called by the core (the core always returns a typed error instead), and
// cmd/busctl reports its own fatal errors through nlog and os.Exit.
func Exitf(f string, a ...any) {
	fmt.Fprintln(os.Stderr, "FATAL ERROR: "+fmt.Sprintf(f, a...))
	os.Exit(1)
}
