//go:build debug

package debug

import (
	"fmt"
	"reflect"
	"sync"
)

func ON() bool { return true }

func Infof(f string, a ...any) { fmt.Printf("[DEBUG] "+f+"\n", a...) }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+f, a...))
	}
}

// AssertMutexLocked relies on sync.Mutex's internal layout (state&1 == 1
// when locked) purely as a debug-build sanity check -- never taken as a
// stable API, only as a way to catch a missing lock while developing.
func AssertMutexLocked(m *sync.Mutex) {
	v := reflect.ValueOf(m).Elem().FieldByName("state")
	Assert(v.Int()&1 == 1, "mutex not locked")
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	v := reflect.ValueOf(m).Elem().FieldByName("w")
	AssertMutexLocked((*sync.Mutex)(v.Addr().UnsafePointer()))
}

func AssertRWMutexRLocked(m *sync.RWMutex) {
	v := reflect.ValueOf(m).Elem().FieldByName("readerCount")
	Assert(v.Int() > 0 || v.Int() < 0, "rwmutex not rlocked")
}
