// Forge server: Settings
// Copyright Alistair Cunningham 2024-2025

package main

// Setting stores a global setting key-value pair
type Setting struct {
	Name  string `db:"name"`
	Value string `db:"value"`
}

func (db *DB) setting_get(name string, def string) string {
	var s Setting
	if db.scan(&s, "select * from settings where name=?", name) {
		return s.Value
	}
	return def
}

func (db *DB) setting_set(name string, value string) {
	db.exec("replace into settings ( name, value ) values ( ?, ? )", name, value)
}

// setting_secret returns the configured token secret, or one generated on first start and kept in
// the database so tokens survive a restart
func (db *DB) setting_secret(configured string) string {
	if configured != "" {
		return configured
	}
	secret := db.setting_get("secret", "")
	if secret == "" {
		info("Generating token secret")
		secret = random_alphanumeric(32)
		db.setting_set("secret", secret)
	}
	return secret
}
