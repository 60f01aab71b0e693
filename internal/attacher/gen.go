//go:build ignore

package attacher

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" -target amd64,arm64 kfuncsnoop ../../bpf/kfuncsnoop.c -- -I../../bpf/headers -I../../bpf/include
