package card

import "errors"

var (
	// ErrGeometryMismatch means a restore was attempted between a card and
	// an image whose geometry differs. It is raised before anything is
	// erased or written.
	ErrGeometryMismatch = errors.New("card and image geometry do not match")
	// ErrInvalidSuperblock means the card header is unusable: the magic
	// string of a supposedly formatted card did not match, the allocation
	// window or cluster geometry is inconsistent, or an image is too short
	// to hold a superblock.
	ErrInvalidSuperblock = errors.New("invalid superblock")
	// ErrInvalidArgument covers caller mistakes: out-of-range pages or
	// clusters, writes without a spare area on an ECC card.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStopped is returned by a long operation interrupted through its
	// stop callback. The page in flight completes before the return.
	ErrStopped = errors.New("operation stopped")
)
