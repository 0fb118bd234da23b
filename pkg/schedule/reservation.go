package schedule

// Fraction of a query's memory limit that initial reservations may occupy,
// and the minimum headroom left above the reservation.
const (
	reservationMemFraction     = 0.8
	reservationMemMinRemaining = int64(75 * 1024 * 1024)
)

// MinMemLimitFromReservation returns the smallest per-backend memory limit
// that can accommodate the given initial buffer reservation.
func MinMemLimitFromReservation(reservation int64) int64 {
	if reservation <= 0 {
		return 0
	}
	fromFraction := int64(float64(reservation) / reservationMemFraction)
	fromRemaining := reservation + reservationMemMinRemaining
	if fromFraction > fromRemaining {
		return fromFraction
	}
	return fromRemaining
}
