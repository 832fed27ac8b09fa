// Command token mints a signed access token for operators, e.g. an ADMIN
// token for issuing refunds from the back office.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"banyco-be/internal/auth"
	"banyco-be/internal/logger"
	"banyco-be/internal/utils"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	defer logger.Sync()

	if err := run(os.Args[1:], os.Getenv("JWT_SECRET"), os.Stdout); err != nil {
		logger.L().Fatal("failed to mint token", zap.Error(err))
	}
}

func run(args []string, secret string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	userID := fs.Int64("user", 0, "user id placed in the token")
	role := fs.String("role", utils.RoleAdmin, "ADMIN or USER")
	email := fs.String("email", "", "email placed in the token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userID <= 0 {
		return errors.New("-user must be a positive id")
	}
	if *role != utils.RoleAdmin && *role != utils.RoleUser {
		return fmt.Errorf("unknown role %q", *role)
	}

	token, err := auth.GenerateJWT(secret, *userID, *role, *email)
	if err != nil {
		return err
	}

	logger.L().Info("token issued",
		zap.Int64("user_id", *userID),
		zap.String("role", *role),
	)
	_, err = fmt.Fprintln(out, token)
	return err
}
