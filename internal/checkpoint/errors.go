package checkpoint

import "fmt"

// MissingCheckpointError is returned when a required checkpoint is absent.
type MissingCheckpointError struct {
	Dir string
	Tag Tag
}

func (e *MissingCheckpointError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("there is no saved %s checkpoint at %s", e.Tag, e.Dir)
}
