package healthchecker

import (
	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
)

func CheckDB() error {
	_, err := database.NewDatabase()
	return err
}
