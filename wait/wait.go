// Package wait implements channel-based sleep and broadcast wake (spec
// §4.F), used by the proc package's thread join, thread exit and collapse.
// Semaphore down (package sem) waits on its own condition variable, and
// yield and signal freeze do not go through this package. A Chan is any
// stable, comparable value used purely as a
// rendezvous identifier; its bytes are never read (spec GLOSSARY
// "Channel").
//
// The no-lost-wakeup invariant (spec §5 "Ordering guarantees") is preserved
// structurally: Sleep holds the waiter's own lock for the entire interval
// between recording its channel and blocking on its condition variable, and
// Wakeup must acquire that same lock before it can observe or change the
// channel - so a wakeup racing a sleep either happens strictly before the
// sleeper starts waiting (and is folded into the condition check) or
// strictly after (and finds the sleeper already blocked on the cond var).
package wait

import "sync"

// Chan is an opaque rendezvous token.
type Chan = any

// Waiter is the minimal per-entity contract sleep/wakeup need. proc.Thread
// satisfies it.
type Waiter interface {
	sync.Locker
	// Cond returns the condition variable bound to this waiter's own lock.
	Cond() *sync.Cond
	// Sleeping reports whether this waiter is currently recorded as
	// sleeping on some channel.
	Sleeping() bool
	// SleepChan returns the channel this waiter is sleeping on, if any.
	SleepChan() Chan
	// BeginSleep records ch as the sleep channel and marks the waiter
	// sleeping. Called with the waiter's own lock held.
	BeginSleep(ch Chan)
	// EndSleep clears the sleep channel and marks the waiter no longer
	// sleeping. Called with the waiter's own lock held, after waking.
	EndSleep()
	// Wake transitions a sleeping waiter to runnable. Called with the
	// waiter's own lock held.
	Wake()
}

// Sleep blocks the caller on ch: it acquires w's own lock, releases lk,
// records ch, and waits on w's condition variable until some Wakeup(ch, ...)
// call (matching w) transitions it out of the sleeping state. On return it
// has cleared its channel, released its own lock, and reacquired lk - the
// same acquire/release order as the source's sleep(chan, lk).
func Sleep(w Waiter, ch Chan, lk sync.Locker) {
	w.Lock()
	lk.Unlock()

	w.BeginSleep(ch)
	for w.Sleeping() && w.SleepChan() == ch {
		w.Cond().Wait()
	}
	w.EndSleep()

	w.Unlock()
	lk.Lock()
}

// Wakeup walks every waiter in ws, takes each one's own lock, and wakes any
// that are sleeping on ch.
func Wakeup(ch Chan, ws ...Waiter) {
	for _, w := range ws {
		w.Lock()
		if w.Sleeping() && w.SleepChan() == ch {
			w.Wake()
			w.Cond().Broadcast()
		}
		w.Unlock()
	}
}
