package main

import "testing"

func TestCommandTreeRegistersExpectedSubcommands(t *testing.T) {
	want := map[string]bool{"users": false, "server": false, "proxy": false, "exit-codes": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("rootCmd missing subcommand %q", name)
		}
	}
}

func TestUsersSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range usersCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"create", "delete", "list"} {
		if !names[want] {
			t.Errorf("usersCmd missing subcommand %q", want)
		}
	}
}

func TestServerSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range serverCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"install", "start", "stop", "restart", "list", "logs"} {
		if !names[want] {
			t.Errorf("serverCmd missing subcommand %q", want)
		}
	}
}
