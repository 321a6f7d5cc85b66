package state

import (
	"fmt"
	"time"
)

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait Dispatches the function to run on the main thread and waits for its result
func DispatchWait[T any](e *Env, fun func(*State) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ret := make(chan result, 1)
	e.Dispatch(func(s *State) error {
		v, err := fun(s)
		ret <- result{v, err}
		return err
	})
	select {
	case res := <-ret:
		return res.v, res.err
	case <-e.Context.Done():
		var zero T
		return zero, e.Context.Err()
	}
}

// ScheduleTask dispatches fun once after delay. Stopping the returned timer cancels it.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) *time.Timer {
	return time.AfterFunc(delay, func() {
		if e.Context.Err() != nil {
			return
		}
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for e.Context.Err() == nil {
		e.Dispatch(fun)
		select {
		case <-ticker.C:
		case <-e.Context.Done():
			return
		}
	}
}

// RepeatTask dispatches fun immediately, then every delay until the context ends.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
