// README: Location commands.
package location

import "ambudispatch/internal/types"

type SaveCommand struct {
	Owner    types.Principal
	Address  string
	Position types.Point
}
