// Forge server: Read ini file
// Copyright Alistair Cunningham 2025

package main

import (
	"gopkg.in/ini.v1"
	"regexp"
)

var (
	match_commas_spaces = regexp.MustCompile("[\\s,]+")
)

func ini_bool(f *ini.File, section string, key string, def bool) bool {
	return f.Section(section).Key(key).MustBool(def)
}

func ini_int(f *ini.File, section string, key string, def int) int {
	return f.Section(section).Key(key).MustInt(def)
}

// ini_load reads a config file. An empty file name yields an empty config so every key takes its default.
func ini_load(file string) (*ini.File, error) {
	if file == "" {
		return ini.Empty(), nil
	}
	return ini.Load(file)
}

func ini_string(f *ini.File, section string, key string, def string) string {
	return f.Section(section).Key(key).MustString(def)
}

func ini_strings_commas(f *ini.File, section string, key string) []string {
	s := match_commas_spaces.Split(f.Section(section).Key(key).MustString(""), -1)
	if len(s) == 1 && s[0] == "" {
		return nil
	}
	return s
}
