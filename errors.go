package proctrack

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// errAlreadyMember reports an attach of a pid that is already a member
// of the target container. Handled internally as an idempotent
// double-add.
var errAlreadyMember = errors.New("pid already a member of the target container")

// bestEffort normalizes err to success for operations whose failure
// must never stall a cleanup loop. The failure is still logged so it
// is visible to an operator.
func bestEffort(op string, err error) error {
	if err != nil {
		log.Errorf("%s failed (ignored): %v", op, err)
	}
	return nil
}
