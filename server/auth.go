// Forge server: Accounts and authentication
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

type User struct {
	ID       string `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	Email    string `db:"email" json:"email"`
	Password string `db:"password" json:"-"`
	Created  int64  `db:"created" json:"created"`
}

type Key struct {
	ID          string `db:"id" json:"id"`
	User        string `db:"user" json:"user"`
	Name        string `db:"name" json:"name"`
	Fingerprint string `db:"fingerprint" json:"fingerprint"`
	Key         string `db:"key" json:"key"`
	Created     int64  `db:"created" json:"created"`
}

type ForgeClaims struct {
	User string `json:"user"`
	jwt.RegisteredClaims
}

func (f *Forge) user_register(username string, email string, password string) (*User, error) {
	if !valid(username, "name") {
		return nil, error_new(error_validation, "invalid username %q", username)
	}
	if email != "" && !valid(email, "email") {
		return nil, error_new(error_validation, "invalid email address %q", email)
	}
	if len(password) < 8 || len(password) > 72 {
		return nil, error_new(error_validation, "password must be between 8 and 72 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, error_wrap(error_io, err, "hash password")
	}

	u := User{ID: uid(), Username: username, Email: email, Password: string(hash), Created: now()}
	inserted, err := f.db.insert("insert into users ( id, username, email, password, created ) values ( ?, ?, ?, ?, ? )", u.ID, u.Username, u.Email, u.Password, u.Created)
	if err != nil {
		return nil, error_wrap(error_io, err, "record user")
	}
	if !inserted {
		return nil, error_new(error_conflict, "username %q is taken", username)
	}
	info("User %q registered", username)
	audit_user_created(username)
	return &u, nil
}

func (f *Forge) user_by_id(id string) *User {
	var u User
	if !f.db.scan(&u, "select * from users where id=?", id) {
		return nil
	}
	return &u
}

func (f *Forge) user_by_username(username string) *User {
	var u User
	if !f.db.scan(&u, "select * from users where username=?", username) {
		return nil
	}
	return &u
}

// user_login checks a username and password, returning the user if they match
func (f *Forge) user_login(username string, password string) *User {
	u := f.user_by_username(username)
	if u == nil {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return nil
	}
	return u
}

// Create a JWT for a user, signed with the configured secret
func (f *Forge) jwt_create(u *User) (string, error) {
	t := time.Now()
	claims := ForgeClaims{
		User: u.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(t.Add(time.Duration(f.config.expiry) * time.Second)),
			IssuedAt:  jwt.NewNumericDate(t),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(f.config.secret))
}

// Verify a JWT and return the user it was issued to
func (f *Forge) jwt_verify(token string) (*User, error) {
	var claims ForgeClaims
	t, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(f.config.secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, errors.New("invalid token")
	}

	u := f.user_by_id(claims.User)
	if u == nil {
		return nil, errors.New("token user no longer exists")
	}
	return u, nil
}

// authenticate returns the user making the request, from either a bearer token or basic credentials
// whose password is a token or the account password
func (f *Forge) authenticate(c *gin.Context) *User {
	header := c.GetHeader("Authorization")
	if token, found := strings.CutPrefix(header, "Bearer "); found {
		u, err := f.jwt_verify(token)
		if err != nil {
			debug("Authentication with bearer token failed: %v", err)
			return nil
		}
		return u
	}

	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return nil
	}
	if u, err := f.jwt_verify(password); err == nil {
		if u.Username != username && username != "" {
			return nil
		}
		return u
	}
	ip := rate_limit_client_ip(c)
	if !rate_limit_login.allow(ip) {
		audit_rate_limit(ip, "login")
		return nil
	}
	u := f.user_login(username, password)
	if u == nil {
		audit_login_failed(username, ip, "basic")
		return nil
	}
	rate_limit_login.reset(ip)
	return u
}

// key_add records an SSH public key in authorized_keys format for the user
func (f *Forge) key_add(u *User, name string, authorized string) (*Key, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
	if err != nil {
		return nil, error_wrap(error_validation, err, "parse public key")
	}
	if name == "" {
		name = comment
	}
	if !valid(name, "text") {
		return nil, error_new(error_validation, "invalid key name")
	}

	k := Key{ID: uid(), User: u.ID, Name: name, Fingerprint: ssh.FingerprintSHA256(pub), Key: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), Created: now()}
	inserted, err := f.db.insert("insert into keys ( id, user, name, fingerprint, key, created ) values ( ?, ?, ?, ?, ?, ? )", k.ID, k.User, k.Name, k.Fingerprint, k.Key, k.Created)
	if err != nil {
		return nil, error_wrap(error_io, err, "record key")
	}
	if !inserted {
		return nil, error_new(error_conflict, "key %s is already registered", k.Fingerprint)
	}
	info("User %q added SSH key %s", u.Username, k.Fingerprint)
	audit_key_added(u.Username, k.Fingerprint)
	return &k, nil
}

// user_by_key finds the owner of an SSH public key
func (f *Forge) user_by_key(pub ssh.PublicKey) *User {
	var k Key
	if !f.db.scan(&k, "select * from keys where fingerprint=?", ssh.FingerprintSHA256(pub)) {
		return nil
	}
	return f.user_by_id(k.User)
}
