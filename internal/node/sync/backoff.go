package sync

import (
	"math/rand/v2"
	"time"
)

// maxJitter доля задержки, добавляемая случайно, чтобы узлы не повторяли push синхронно
const maxJitter = 0.2

// Backoff ограниченная экспоненциальная задержка повторной отправки
type Backoff struct {
	rand func() float64
	Base time.Duration
	Cap  time.Duration
}

// NewBackoff создает Backoff с джиттером до 20%
func NewBackoff(base, ceiling time.Duration) Backoff {
	return Backoff{Base: base, Cap: ceiling, rand: rand.Float64}
}

// Delay задержка после attempts неудачных попыток: base*2^(attempts-1), не больше Cap, плюс джиттер.
// Джиттер применяется и к Cap.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	d := b.Base
	for i := 1; i < attempts; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}

	random := b.rand
	if random == nil {
		random = rand.Float64
	}
	return d + time.Duration(random()*maxJitter*float64(d))
}
