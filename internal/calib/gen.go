//go:build ignore

package calib

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" -target amd64,arm64 calib ../../bpf/calib.c -- -I../../bpf/headers -I../../bpf/include
