package gateway

import (
	"context"
	"database/sql/driver"

	"github.com/fkchat/fkchat/pkg/dbpool"
	"github.com/fkchat/fkchat/pkg/mapper"
	"github.com/fkchat/fkchat/pkg/types"
)

// UserSchema maps types.User onto the users table.
func UserSchema() mapper.Schema[types.User] {
	return mapper.Schema[types.User]{
		Table:      "users",
		PrimaryKey: "id",
		Fields: []mapper.Field[types.User]{
			{
				Column:        "id",
				AutoIncrement: true,
				Value:         func(u *types.User) any { return u.ID },
				Assign: func(u *types.User, v driver.Value) error {
					n, err := mapper.ScanInt64(v)
					u.ID = uint32(n)
					return err
				},
			},
			{
				Column: "uuid",
				Value:  func(u *types.User) any { return u.UUID },
				Assign: func(u *types.User, v driver.Value) error {
					s, err := mapper.ScanString(v)
					u.UUID = s
					return err
				},
			},
			{
				Column: "username",
				Value:  func(u *types.User) any { return u.Username },
				Assign: func(u *types.User, v driver.Value) error {
					s, err := mapper.ScanString(v)
					u.Username = s
					return err
				},
			},
			{
				Column: "email",
				Value:  func(u *types.User) any { return u.Email },
				Assign: func(u *types.User, v driver.Value) error {
					s, err := mapper.ScanString(v)
					u.Email = s
					return err
				},
			},
			{
				Column: "password_digest",
				Value:  func(u *types.User) any { return u.PasswordDigest },
				Assign: func(u *types.User, v driver.Value) error {
					s, err := mapper.ScanString(v)
					u.PasswordDigest = s
					return err
				},
			},
			{
				Column: "created_at",
				Value:  func(u *types.User) any { return u.CreatedAt },
				Assign: func(u *types.User, v driver.Value) error {
					t, err := mapper.ScanTime(v)
					u.CreatedAt = t
					return err
				},
			},
			{
				Column: "updated_at",
				Value: func(u *types.User) any {
					if u.UpdatedAt == nil {
						return nil
					}
					return *u.UpdatedAt
				},
				Assign: func(u *types.User, v driver.Value) error {
					t, err := mapper.ScanNullableTime(v)
					u.UpdatedAt = t
					return err
				},
			},
		},
		CreateDDL: "CREATE TABLE IF NOT EXISTS `users` (" +
			"`id` INT UNSIGNED NOT NULL AUTO_INCREMENT, " +
			"`uuid` CHAR(36) NOT NULL, " +
			"`username` VARCHAR(30) NOT NULL, " +
			"`email` VARCHAR(320) NOT NULL, " +
			"`password_digest` CHAR(60) NOT NULL, " +
			"`created_at` DATETIME(3) NOT NULL, " +
			"`updated_at` DATETIME(3) NULL, " +
			"PRIMARY KEY (`id`), " +
			"UNIQUE KEY `uk_users_uuid` (`uuid`), " +
			"UNIQUE KEY `uk_users_username` (`username`), " +
			"UNIQUE KEY `uk_users_email` (`email`)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}
}

// Users is the account repository backing the gateway.
type Users struct {
	m *mapper.Mapper[types.User]
}

// NewUsers builds the repository over the shared connection pool.
func NewUsers(pool *dbpool.Pool) *Users {
	return &Users{m: mapper.New(pool, UserSchema())}
}

// EnsureTable creates the users table if it does not exist.
func (u *Users) EnsureTable(ctx context.Context) error {
	return u.m.CreateTable(ctx)
}

// FindByUsername returns the account for username, or mapper.ErrNotFound.
func (u *Users) FindByUsername(ctx context.Context, username string) (*types.User, error) {
	return u.findOne(ctx, mapper.EQ("username", username))
}

// FindByEmail returns the account for email, or mapper.ErrNotFound.
func (u *Users) FindByEmail(ctx context.Context, email string) (*types.User, error) {
	return u.findOne(ctx, mapper.EQ("email", email))
}

func (u *Users) findOne(ctx context.Context, cond *mapper.Condition) (*types.User, error) {
	rows, err := u.m.QueryByCondition(ctx, cond, mapper.Paginate(0, 1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, mapper.ErrNotFound
	}
	return rows[0], nil
}

// Create inserts a new account. A username or email collision surfaces
// as mapper.ErrDataAlreadyExist through the unique keys.
func (u *Users) Create(ctx context.Context, user *types.User) error {
	_, err := u.m.Insert(ctx, user)
	return err
}

// UpdatePassword replaces the digest for the account with email and
// stamps updated_at server-side. Returns the number of rows touched.
func (u *Users) UpdatePassword(ctx context.Context, email, digest string) (int64, error) {
	return u.m.UpdateFieldsByCondition(ctx, mapper.EQ("email", email),
		mapper.Set("password_digest", digest),
		mapper.SetRaw("updated_at", "NOW(3)"),
	)
}
