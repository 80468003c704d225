package dice

import "go.uber.org/zap"

// Roller wraps a Source and logger so every roll that decides a game
// outcome is logged at debug level with its purpose and result.
type Roller struct {
	src    Source
	logger *zap.Logger
}

// NewLoggedRoller creates a Roller that rolls with src and logs each roll to logger.
//
// Precondition: src and logger must be non-nil.
func NewLoggedRoller(src Source, logger *zap.Logger) *Roller {
	return &Roller{src: src, logger: logger}
}

// Intn returns a value in [0, n) and logs it.
//
// Precondition: n > 0.
func (r *Roller) Intn(n int, purpose string) int {
	v := r.src.Intn(n)
	r.logger.Debug("dice roll",
		zap.String("purpose", purpose),
		zap.Int("sides", n),
		zap.Int("result", v),
	)
	return v
}

// Chance reports success with the given percent probability, rolling d100.
//
// Postcondition: percent <= 0 never succeeds; percent >= 100 always succeeds.
func (r *Roller) Chance(percent int, purpose string) bool {
	roll := r.src.Intn(100) + 1
	ok := roll <= percent
	r.logger.Debug("dice check",
		zap.String("purpose", purpose),
		zap.Int("roll", roll),
		zap.Int("target", percent),
		zap.Bool("success", ok),
	)
	return ok
}
