package main

import (
	"fmt"

	"github.com/segmentdb/segmentdb"
)

func main() {
	db, err := segmentdb.Open("./data", segmentdb.DefaultOptions())
	if err != nil {
		fmt.Println(err)
		return
	}
	defer db.Close()

	db.Put([]byte("name"), []byte("john"))
	db.Put([]byte("age"), []byte("25"))
	db.Put([]byte("city"), []byte("paris"))
	db.Put([]byte("country"), []byte("france"))
	db.Put([]byte("job"), []byte("engineer"))

	db.Put([]byte("name"), []byte("alice"))
	db.Put([]byte("job"), []byte("developer"))

	if val, err := db.Get([]byte("name")); err == nil {
		fmt.Println("name:", string(val))
	} else {
		fmt.Println("error:", err)
	}

	if val, err := db.Get([]byte("job")); err == nil {
		fmt.Println("job:", string(val))
	} else {
		fmt.Println("error:", err)
	}

	db.Delete([]byte("age"))
	if val, err := db.Get([]byte("age")); err == nil && val == nil {
		fmt.Println("age: deleted")
	} else if err != nil {
		fmt.Println("error:", err)
	}
}
